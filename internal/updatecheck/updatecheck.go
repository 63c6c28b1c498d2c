// Package updatecheck tells the user when a newer release is available.
//
// The latest version is fetched by a short-lived background Worker and cached
// on disk. Commands only ever read the cache, through a Notice.
package updatecheck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"
	"github.com/benbjohnson/clock"

	"github.com/block/shipit"
)

type cacheFile struct {
	// ExpireAt is in milliseconds since the Unix epoch.
	ExpireAt int64  `json:"expireAt"`
	Notified bool   `json:"notified"`
	Version  string `json:"version,omitempty"`
}

// Notice is the cached update state for the current binary.
//
// Close must be called to persist MarkNotified.
type Notice struct {
	path    string
	current string
	clock   clock.Clock
	cache   cacheFile
	loaded  bool
	dirty   bool
}

// Open loads the cache at path. A missing or corrupt cache is treated as expired.
func Open(path, current string, clk clock.Clock) (*Notice, error) {
	notice := &Notice{path: path, current: current, clock: clk}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return notice, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to read update cache")
	}
	if err := json.Unmarshal(data, &notice.cache); err != nil {
		notice.cache = cacheFile{}
		return notice, nil
	}
	notice.loaded = true
	return notice, nil
}

// Available returns the newer version if there is one the user has not been
// told about yet.
func (n *Notice) Available() optional.Option[string] {
	if n.cache.Notified || !shipit.IsNewer(n.cache.Version, n.current) {
		return optional.None[string]()
	}
	return optional.Some(n.cache.Version)
}

// MarkNotified records that the user has seen the current notice.
func (n *Notice) MarkNotified() {
	if n.cache.Notified {
		return
	}
	n.cache.Notified = true
	n.dirty = true
}

// Expired reports whether the cache should be refreshed by a Worker.
func (n *Notice) Expired() bool {
	return !n.loaded || n.clock.Now().UnixMilli() >= n.cache.ExpireAt
}

// Close writes the cache back if it was changed.
func (n *Notice) Close() error {
	if !n.dirty {
		return nil
	}
	n.dirty = false
	return writeCache(n.path, n.cache)
}

// LockPath is the lock file guarding the cache at path.
func LockPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".lock"
}

func writeCache(path string, cache cacheFile) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return errors.WithStack(err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to write update cache")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to write update cache")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write update cache")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to write update cache")
	}
	return nil
}
