package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"

	"github.com/block/shipit"
	"github.com/block/shipit/internal/archive"
	"github.com/block/shipit/internal/client"
	"github.com/block/shipit/internal/deploy"
	"github.com/block/shipit/internal/log"
)

type deployCmd struct {
	Token       string             `help:"API token." env:"SHIPIT_TOKEN"`
	APIURL      string             `name:"api-url" help:"API base URL." default:"https://api.shipit.dev" env:"SHIPIT_API_URL"`
	Team        string             `help:"Team to deploy as." env:"SHIPIT_TEAM"`
	Name        string             `help:"Deployment name. Defaults to the name of the deployed directory."`
	Target      string             `help:"Deployment target, eg. production."`
	Project     string             `help:"Project to deploy to."`
	Meta        map[string]string  `help:"Metadata to attach to the deployment." placeholder:"KEY=VALUE"`
	Archive     archive.Format     `help:"Upload the files as a single archive (none, tgz or zip)." default:"none"`
	Concurrency int                `help:"Maximum concurrent uploads." default:"8"`
	Ignore      []string           `help:"Additional ignore patterns." placeholder:"GLOB"`
	Retry       client.RetryPolicy `embed:"" prefix:"retry-" group:"Retry:"`
	Paths       []string           `arg:"" optional:"" help:"Directory, or files, to deploy. Defaults to the current directory." type:"path"`
}

func (d *deployCmd) Run(ctx context.Context) error {
	logger := log.FromContext(ctx)
	options, meta, err := d.options()
	if err != nil {
		return err
	}
	deployment, err := deploy.New(options, meta)
	if err != nil {
		return err
	}
	logger.Debugf("Starting deployment %s", deployment.ID())
	uploaded := 0
	for event := range deployment.Events(ctx) {
		switch event := event.(type) {
		case deploy.Warning:
			logger.Warnf("%s", event.Message)
		case deploy.HashesCalculated:
			logger.Debugf("Hashed %d unique files", len(event.Files))
		case deploy.FileCount:
			if event.Missing > 0 {
				logger.Infof("Uploading %d of %d files (%d bytes)", event.Missing, event.Total, event.MissingBytes)
			}
		case deploy.FileUploaded:
			uploaded++
			logger.Debugf("Uploaded %s (%d)", event.Names[0], uploaded)
		case deploy.Created:
			logger.Infof("Deployment %s is %s", event.Deployment.ID, event.Deployment.ReadyState)
			fmt.Printf("https://%s\n", event.Deployment.URL)
		case deploy.Error:
			return event.Err
		}
	}
	return nil
}

func (d *deployCmd) options() (deploy.Options, deploy.Metadata, error) {
	paths := d.Paths
	if len(paths) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return deploy.Options{}, deploy.Metadata{}, errors.WithStack(err)
		}
		paths = []string{wd}
	}
	for i, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return deploy.Options{}, deploy.Metadata{}, errors.WithStack(err)
		}
		paths[i] = abs
	}
	options := deploy.Options{
		Token:       d.Token,
		APIURL:      d.APIURL,
		UserAgent:   shipit.UserAgent(),
		Archive:     d.Archive,
		Retry:       d.Retry,
		Concurrency: d.Concurrency,
		Ignore:      d.Ignore,
	}
	if d.Team != "" {
		options.TeamID = optional.Some(d.Team)
	}
	if len(paths) == 1 {
		options.Path = paths[0]
	} else {
		options.Paths = paths
	}
	meta := deploy.Metadata{
		Name:    d.Name,
		Target:  d.Target,
		Project: d.Project,
		Meta:    d.Meta,
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(filepath.Dir(paths[0]))
		if len(paths) == 1 {
			meta.Name = filepath.Base(paths[0])
		}
	}
	return options, meta, nil
}
