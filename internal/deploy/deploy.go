// Package deploy creates a deployment from local files.
//
// The lifecycle is observed through Events, which reports each step of
// building the file tree, hashing, negotiating and uploading missing content
// and finally creating the deployment.
package deploy

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"sync"

	"github.com/alecthomas/errors"
	"github.com/google/uuid"

	"github.com/block/shipit/internal/archive"
	"github.com/block/shipit/internal/client"
	"github.com/block/shipit/internal/filetree"
	"github.com/block/shipit/internal/hashes"
	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/sha1"
	"github.com/block/shipit/internal/upload"
)

const (
	// CreatePath is the API path deployments are created at.
	CreatePath = "/v13/deployments"
	// PlatformVersion is sent with every create request.
	PlatformVersion = 2
)

// NoFilesWarning is the message of the Warning emitted for an empty deployment.
const NoFilesWarning = "There are no files inside your deployment."

// ErrAlreadyStarted is reported when Events is consumed more than once.
var ErrAlreadyStarted = errors.New("deployment already started")

var errStopped = errors.New("consumer stopped")

type createRequest struct {
	Metadata
	Version int                          `json:"version"`
	Files   map[sha1.SHA1]hashes.Summary `json:"files"`
}

// Deployment is a single, validated deployment attempt.
type Deployment struct {
	id          string
	options     Options
	meta        Metadata
	isDirectory bool

	lock    sync.Mutex
	started bool
}

// New validates options and returns a Deployment ready to be started with
// Events. No I/O other than a stat of Options.Path is performed.
func New(options Options, meta Metadata) (*Deployment, error) {
	isDirectory, err := options.validate()
	if err != nil {
		return nil, err
	}
	if options.Concurrency <= 0 {
		options.Concurrency = upload.DefaultConcurrency
	}
	return &Deployment{
		id:          uuid.NewString(),
		options:     options,
		meta:        meta,
		isDirectory: isDirectory,
	}, nil
}

// ID uniquely identifies this attempt in logs.
func (d *Deployment) ID() string { return d.id }

// Events starts the deployment and returns its events in order.
//
// Progress is logged through the logger in ctx, or to stderr at info level if
// ctx has none.
//
// The sequence may only be consumed once. Breaking out of the loop stops the
// deployment: no further uploads are started and the create call is skipped.
func (d *Deployment) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		d.lock.Lock()
		started := d.started
		d.started = true
		d.lock.Unlock()
		if started {
			yield(Error{Err: errors.WithStack(ErrAlreadyStarted)})
			return
		}
		ctx = log.ContextWithFallbackLogger(ctx)
		logger := log.FromContext(ctx).Scope("deploy").Attrs(map[string]string{"attempt": d.id})
		ctx = log.ContextWithLogger(ctx, logger)
		err := d.run(ctx, func(event Event) error {
			if yield(event) {
				return nil
			}
			// Created is terminal, so nothing is left to stop.
			if _, ok := event.(Created); ok {
				return nil
			}
			return errStopped
		})
		switch {
		case errors.Is(err, errStopped):
			logger.Debugf("Consumer stopped")
		case err != nil:
			logger.Debugf("Deployment failed: %s", err)
			yield(Error{Err: err})
		}
	}
}

func (d *Deployment) run(ctx context.Context, emit func(Event) error) error {
	logger := log.FromContext(ctx)
	c, err := client.New(client.Config{
		APIURL:          d.options.APIURL,
		Token:           d.options.Token,
		TeamID:          d.options.TeamID,
		UserAgent:       d.options.UserAgent,
		Retry:           d.options.Retry,
		MaxConnsPerHost: d.options.Concurrency,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer c.Close()

	tree, err := filetree.Build(ctx, d.options.paths(), filetree.Options{Ignore: d.options.Ignore})
	if err != nil {
		return errors.WithStack(err)
	}
	logger.Debugf("Found %d files under %s (directory: %t)", len(tree.Files), tree.Root, d.isDirectory)
	if len(tree.Files) == 0 {
		if err := emit(Warning{Message: NoFilesWarning}); err != nil {
			return err
		}
	}

	files, err := d.hash(ctx, tree)
	if err != nil {
		return err
	}
	if err := emit(HashesCalculated{Files: files.Summary()}); err != nil {
		return err
	}

	coordinator := upload.New(c, d.options.Concurrency)
	missing, err := coordinator.Negotiate(ctx, files)
	if err != nil {
		return errors.WithStack(err)
	}
	var missingBytes int64
	for _, digest := range missing {
		missingBytes += files[digest].Size
	}
	logger.Debugf("%d of %d files missing (%d bytes)", len(missing), len(files), missingBytes)
	if err := emit(FileCount{Total: len(files), Missing: len(missing), MissingBytes: missingBytes}); err != nil {
		return err
	}

	if err := d.upload(ctx, coordinator, files, missing, emit); err != nil {
		return err
	}

	descriptor, err := d.create(ctx, c, files)
	if err != nil {
		return err
	}
	logger.Debugf("Created deployment %s", descriptor.ID)
	return emit(Created{Deployment: descriptor})
}

func (d *Deployment) hash(ctx context.Context, tree filetree.Tree) (hashes.Files, error) {
	if d.options.Archive != archive.None {
		files, err := archive.Build(ctx, d.options.Archive, tree.Root, tree.Files)
		return files, errors.WithStack(err)
	}
	files, err := hashes.Hash(ctx, tree.Root, tree.Files)
	return files, errors.WithStack(err)
}

// upload forwards completed uploads to emit until all are done, the
// coordinator fails, or the consumer stops.
func (d *Deployment) upload(ctx context.Context, coordinator *upload.Coordinator, files hashes.Files, missing []sha1.SHA1, emit func(Event) error) error {
	stop := make(chan struct{})
	progress := make(chan upload.Uploaded)
	done := make(chan error, 1)
	go func() {
		done <- coordinator.Upload(ctx, files, missing, stop, progress)
		close(progress)
	}()
	for uploaded := range progress {
		if err := emit(FileUploaded(uploaded)); err != nil {
			close(stop)
			for range progress { //nolint:revive
			}
			<-done
			return err
		}
	}
	return errors.WithStack(<-done)
}

func (d *Deployment) create(ctx context.Context, c *client.Client, files hashes.Files) (Descriptor, error) {
	raw, err := client.Fetch[json.RawMessage](ctx, c, http.MethodPost, CreatePath, createRequest{
		Metadata: d.meta,
		Version:  PlatformVersion,
		Files:    files.Summary(),
	}, client.WithCurrentTeam())
	if err != nil {
		return Descriptor{}, errors.WithStack(err)
	}
	var descriptor Descriptor
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return Descriptor{}, errors.Wrap(err, "invalid deployment response")
	}
	descriptor.Raw = raw
	return descriptor, nil
}

// Run performs a deployment to completion, returning the created deployment
// along with every event observed.
func Run(ctx context.Context, options Options, meta Metadata) (Descriptor, []Event, error) {
	deployment, err := New(options, meta)
	if err != nil {
		return Descriptor{}, nil, err
	}
	var events []Event
	for event := range deployment.Events(ctx) {
		events = append(events, event)
		switch event := event.(type) {
		case Created:
			return event.Deployment, events, nil
		case Error:
			return Descriptor{}, events, event.Err
		}
	}
	return Descriptor{}, events, errors.New("deployment ended without a result")
}
