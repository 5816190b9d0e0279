// Package lock enforces one running client per user session with an OS-level
// advisory file lock. The lock is released by the kernel if the process dies,
// so a crashed client never blocks the next launch.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("lock: another scribelink instance is already running")

// DefaultPath returns the lock file location under the user cache directory,
// falling back to the temp directory.
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "scribelink", "scribelink.lock")
}

// Instance is a held single-instance lock.
type Instance struct {
	fl *flock.Flock
}

// Acquire takes the lock at path without blocking. It returns
// [ErrAlreadyRunning] if another process holds it.
func Acquire(path string) (*Instance, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock file %s)", ErrAlreadyRunning, path)
	}
	return &Instance{fl: fl}, nil
}

// Path returns the lock file path.
func (i *Instance) Path() string { return i.fl.Path() }

// Close releases the lock. It implements io.Closer so the lock can be
// registered as an app closer.
func (i *Instance) Close() error {
	if err := i.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}
