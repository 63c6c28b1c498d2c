package main

import (
	"context"
	"time"

	"github.com/block/shipit/internal/updatecheck"
)

type checkVersionCmd struct {
	Registry string        `help:"Package registry to query." default:"https://registry.npmjs.org" env:"SHIPIT_REGISTRY"`
	Package  string        `help:"Package name in the registry." default:"shipit"`
	DistTag  string        `help:"Release channel to follow." default:"latest"`
	Interval time.Duration `help:"How long a result is cached for." default:"24h"`
}

func (c *checkVersionCmd) Run(ctx context.Context) error {
	return updatecheck.Worker(ctx, updatecheck.WorkerConfig{
		CacheFile: updateCachePath(cli.CacheDir),
		URL:       c.Registry,
		Package:   c.Package,
		DistTag:   c.DistTag,
		Interval:  c.Interval,
	})
}
