package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/alecthomas/errors"

	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/workspaces"
)

type workspacesCmd struct {
	Manager string `help:"Workspace manager (yarn, npm or pnpm). Detected from the lockfile by default." placeholder:"NAME"`
	Dir     string `arg:"" help:"Workspace root." type:"existingdir" default:"."`
}

func (w *workspacesCmd) Run(ctx context.Context) error {
	logger := log.FromContext(ctx)
	fsys := os.DirFS(w.Dir)
	manager, err := w.manager(fsys)
	if err != nil {
		return err
	}
	monorepo, err := workspaces.DetectMonorepo(fsys)
	if err != nil {
		return err
	}
	if m, ok := monorepo.Get(); ok {
		logger.Infof("Detected %s monorepo", m.Name)
	}
	paths, err := workspaces.PackagePaths(fsys, workspaces.Workspace{Manager: manager})
	if err != nil {
		return err
	}
	logger.Debugf("Found %d %s workspace packages in %s", len(paths), manager, w.Dir)
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

func (w *workspacesCmd) manager(fsys fs.FS) (workspaces.Manager, error) {
	if w.Manager != "" {
		return workspaces.ParseManager(w.Manager)
	}
	detected, err := workspaces.DetectManager(fsys)
	if err != nil {
		return 0, err
	}
	manager, ok := detected.Get()
	if !ok {
		return 0, errors.Errorf("%s: no lockfile found, use --manager to choose a workspace manager", w.Dir)
	}
	return manager, nil
}
