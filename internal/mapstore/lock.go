package mapstore

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RunLock is an advisory file lock held for the duration of one sync run.
// It prevents two orchestrator processes from writing the same mapping
// store concurrently; that scenario is otherwise unsupported.
type RunLock struct {
	lock *flock.Flock
}

// AcquireLock takes the advisory lock at path (conventionally the store
// path plus ".lock"). It fails immediately rather than blocking when
// another run holds the lock.
func AcquireLock(path string) (*RunLock, error) {
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another sync run holds the lock at %s", path)
	}
	return &RunLock{lock: l}, nil
}

// Release drops the lock. Safe to call on a nil receiver.
func (r *RunLock) Release() error {
	if r == nil || r.lock == nil {
		return nil
	}
	if err := r.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}
