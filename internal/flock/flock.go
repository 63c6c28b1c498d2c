// Package flock provides advisory, process-exclusive file locks.
package flock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when the lock is held by another process.
var ErrLocked = errors.New("locked")

// PollInterval is how often Acquire retries a held lock.
const PollInterval = 100 * time.Millisecond

// Lock is a held lock file. The file contains the pid of the holder.
type Lock struct {
	path string
	fd   int
}

// Path of the lock file.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	return errors.Join(os.Remove(l.path), unix.Flock(l.fd, unix.LOCK_UN), unix.Close(l.fd))
}

// TryAcquire takes the lock at path without waiting. If another process holds
// it the error wraps ErrLocked.
func TryAcquire(path string) (*Lock, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fd, err := unix.Open(absPath, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", absPath)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Join(ErrLocked, err)
	}
	if err := unix.Ftruncate(fd, 0); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "truncate %s", absPath)
	}
	if _, err := unix.Write(fd, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "write %s", absPath)
	}
	return &Lock{path: absPath, fd: fd}, nil
}

// Acquire waits up to timeout for the lock at path.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	end := time.Now().Add(timeout)
	for {
		lock, err := TryAcquire(path)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, errors.Wrapf(err, "failed to acquire lock %s", path)
		}
		if !time.Now().Before(end) {
			return nil, errors.Wrapf(err, "timed out acquiring lock %s, held by pid %s", path, Holder(path))
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(PollInterval):
		}
	}
}

// Holder returns the pid recorded in the lock file at path, or "unknown".
func Holder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}
