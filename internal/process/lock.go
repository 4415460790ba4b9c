package process

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName = "shiftkiosk.lock"
	lockRetry    = 200 * time.Millisecond
)

// ErrAlreadyRunning is returned when another instance holds the lock.
var ErrAlreadyRunning = errors.New("another shiftkiosk instance is running")

// InstanceLock keeps a single service instance per data directory.
type InstanceLock struct {
	lock *flock.Flock
	wait time.Duration
}

// NewInstanceLock creates the lock in dataDir. Acquire keeps retrying for up
// to wait, which covers a predecessor that is still shutting down after a
// relaunch.
func NewInstanceLock(dataDir string, wait time.Duration) *InstanceLock {
	return &InstanceLock{
		lock: flock.New(filepath.Join(dataDir, lockFileName)),
		wait: wait,
	}
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string {
	return l.lock.Path()
}

// Acquire takes the lock or returns ErrAlreadyRunning.
func (l *InstanceLock) Acquire(ctx context.Context) error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if locked {
		return nil
	}
	if l.wait <= 0 {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	locked, err = l.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	return nil
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}
