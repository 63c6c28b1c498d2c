package updatecheck

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"
	"github.com/benbjohnson/clock"

	"github.com/block/shipit"
	"github.com/block/shipit/internal/client"
	"github.com/block/shipit/internal/flock"
	"github.com/block/shipit/internal/log"
)

// WorkerTimeout caps the total run time of a Worker.
const WorkerTimeout = 10 * time.Second

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	CacheFile string
	// URL of the package registry.
	URL      string
	Package  string
	DistTag  string
	Interval time.Duration
	Clock    clock.Clock
}

type registryDocument struct {
	DistTags map[string]string `json:"dist-tags"`
}

// Worker fetches the latest version of the package for DistTag and rewrites
// the cache, resetting its notified flag.
//
// Only one Worker runs at a time per cache file. If another holds the lock
// Worker returns immediately without error.
func Worker(ctx context.Context, config WorkerConfig) error {
	logger := log.FromContext(ctx).Scope("updatecheck")
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	ctx, cancel := context.WithTimeout(ctx, WorkerTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(config.CacheFile), 0o700); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	lock, err := flock.TryAcquire(LockPath(config.CacheFile))
	if errors.Is(err, flock.ErrLocked) {
		logger.Debugf("Worker already running (pid %s)", flock.Holder(LockPath(config.CacheFile)))
		return nil
	} else if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warnf("Failed to release %s: %s", lock.Path(), err)
		}
	}()

	c, err := client.New(client.Config{
		APIURL:    config.URL,
		UserAgent: shipit.UserAgent(),
		Retry:     client.RetryPolicy{MaxAttempts: 1},
		Timeout:   WorkerTimeout,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer c.Close()

	logger.Debugf("Fetching %s from %s", config.Package, config.URL)
	doc, err := client.Fetch[registryDocument](ctx, c, http.MethodGet, "/"+config.Package, nil,
		client.WithHeader("Accept", "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8, */*"))
	if err != nil {
		return errors.Wrap(err, "failed to fetch latest version")
	}
	version, ok := doc.DistTags[config.DistTag]
	if ok {
		logger.Debugf("Found dist tag %q with version %q", config.DistTag, version)
	} else {
		logger.Warnf("Dist tag %q not found", config.DistTag)
	}
	return writeCache(config.CacheFile, cacheFile{
		ExpireAt: config.Clock.Now().Add(config.Interval).UnixMilli(),
		Version:  version,
	})
}
