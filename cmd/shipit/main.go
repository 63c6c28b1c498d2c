package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	"github.com/benbjohnson/clock"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/block/shipit"
	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/updatecheck"
)

type CLI struct {
	Version       kong.VersionFlag `help:"Show version."`
	LogConfig     log.Config       `embed:"" prefix:"log-" group:"Logging:"`
	CacheDir      string           `help:"Directory for cached state." default:"${cachedir}" env:"SHIPIT_CACHE_DIR" placeholder:"DIR"`
	NoUpdateCheck bool             `help:"Do not check for a newer release." env:"SHIPIT_NO_UPDATE_CHECK"`

	Deploy       deployCmd       `cmd:"" help:"Deploy a directory or a list of files."`
	Workspaces   workspacesCmd   `cmd:"" help:"List the packages of a JavaScript workspace."`
	CheckVersion checkVersionCmd `cmd:"" hidden:"" help:"Refresh the cached latest release."`
}

var cli CLI

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := createKongApplication(&cli)
	kctx, err := app.Parse(os.Args[1:])
	app.FatalIfErrorf(err)

	logger := log.Configure(os.Stderr, cli.LogConfig)
	ctx = log.ContextWithLogger(ctx, logger)

	// Match GOMAXPROCS to the container CPU quota, which bounds parallel hashing.
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Tracef)); err != nil {
		logger.Debugf("Non-fatal error setting GOMAXPROCS: %s", err)
	}

	// Handle signals.
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		logger.Debugf("shipit terminating with signal %s", sig)
		cancel()
	}()

	if !cli.NoUpdateCheck && kctx.Command() != "check-version" {
		checkForUpdate(ctx, cli.CacheDir)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(ctx)
	kctx.FatalIfErrorf(err)
}

func createKongApplication(cli any) *kong.Kong {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return kong.Must(cli,
		kong.Name("shipit"),
		kong.Description("shipit - deploy static files and projects"),
		kong.Configuration(kongtoml.Loader, ".shipit.toml", "~/.shipit.toml"),
		kong.ShortUsageOnError(),
		kong.HelpOptions{Compact: true, WrapUpperBound: 80},
		kong.Vars{
			"version":  shipit.Version,
			"cachedir": filepath.Join(cacheDir, "shipit"),
		},
	)
}

func updateCachePath(cacheDir string) string {
	return filepath.Join(cacheDir, "latest.json")
}

// checkForUpdate prints a notice when a newer release is cached and refreshes
// the cache in the background once it expires.
func checkForUpdate(ctx context.Context, cacheDir string) {
	logger := log.FromContext(ctx)
	notice, err := updatecheck.Open(updateCachePath(cacheDir), shipit.Version, clock.New())
	if err != nil {
		logger.Debugf("Update check failed: %s", err)
		return
	}
	defer func() {
		if err := notice.Close(); err != nil {
			logger.Debugf("Failed to save update check: %s", err)
		}
	}()
	if latest, ok := notice.Available().Get(); ok {
		logger.Warnf("shipit %s is available (you have %s)", latest, shipit.Version)
		notice.MarkNotified()
	}
	if notice.Expired() {
		if err := spawnCheckVersion(cacheDir); err != nil {
			logger.Debugf("Failed to start update check: %s", err)
		}
	}
}

// spawnCheckVersion runs "shipit check-version" detached from this process.
func spawnCheckVersion(cacheDir string) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to locate executable")
	}
	cmd := exec.Command(exe, "check-version", "--cache-dir", cacheDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s check-version", exe)
	}
	return errors.WithStack(cmd.Process.Release())
}
