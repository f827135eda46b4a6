// Package lockfile wraps gofrs/flock for the small set of exclusive-lock
// patterns heliad needs: the daemon PID file and the replica registry's
// writer lock.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// FlockExclusiveBlocking acquires an exclusive lock on path, blocking (with a
// short poll interval) until it is available. The returned *flock.Flock must
// be passed to FlockUnlock when the caller is done.
func FlockExclusiveBlocking(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(dirOf(path), 0o700); err != nil {
		return nil, fmt.Errorf("lockfile: create dir for %s: %w", path, err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lockfile: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lockfile: could not acquire lock on %s", path)
	}
	return fl, nil
}

// FlockUnlock releases a lock acquired by FlockExclusiveBlocking.
func FlockUnlock(fl *flock.Flock) error {
	if fl == nil {
		return nil
	}
	return fl.Unlock()
}

// TryDaemonLock attempts a non-blocking exclusive lock on the daemon's PID
// file, returning ok=false (no error) if another heliad instance already
// holds it.
func TryDaemonLock(pidPath string) (fl *flock.Flock, ok bool, err error) {
	if err := os.MkdirAll(dirOf(pidPath), 0o700); err != nil {
		return nil, false, fmt.Errorf("lockfile: create dir for %s: %w", pidPath, err)
	}
	fl = flock.New(pidPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lockfile: try-lock %s: %w", pidPath, err)
	}
	return fl, locked, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
