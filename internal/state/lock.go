package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockRetryWait = 25 * time.Millisecond

var (
	ErrLockUnavailable = errors.New("state lock unavailable")
	ErrLockTimeout     = errors.New("state lock timeout")
)

// WithLock runs fn while holding an exclusive lock on lockPath. It is used
// by writers that read-modify-write a shared file from separate processes.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrLockUnavailable, err)
	}
	return withLockFile(ctx, lockPath, fn)
}

func waitForLockRetry(ctx context.Context, lockPath string) error {
	timer := time.NewTimer(lockRetryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, lockPath, ctx.Err())
	case <-timer.C:
		return nil
	}
}
