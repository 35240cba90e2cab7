package strategy

import (
	"context"
	"errors"
	"os"
	"time"

	"readlock"
	"readlock/metrics"
)

// FileLock claims a file with a native advisory lock on an open read-write
// handle, after the marker file precondition. The handle is owned by the
// attempt until release and is always closed on paths that do not end
// holding the lock.
//
// FileLock opens files through the os package: native locks need a real
// descriptor, so it ignores any afero file system behind ops except for the
// marker file.
type FileLock struct {
	ops    readlock.Operations
	opts   options
	marker *MarkerFile
}

// Ensure FileLock implements readlock.Strategy and readlock.Lifecycle
var (
	_ readlock.Strategy  = (*FileLock)(nil)
	_ readlock.Lifecycle = (*FileLock)(nil)
)

// NewFileLock creates a native file lock strategy.
func NewFileLock(ops readlock.Operations, opts ...Option) *FileLock {
	o := applyOptions(opts)
	return &FileLock{ops: ops, opts: o, marker: &MarkerFile{ops: ops, opts: o}}
}

// Name returns "fileLock".
func (l *FileLock) Name() string {
	return string(readlock.KindFileLock)
}

// Start fails on platforms without native advisory locks.
func (l *FileLock) Start(ctx context.Context) error {
	if !nativeLockSupported {
		return readlock.ErrUnsupported
	}
	return nil
}

// Stop does nothing.
func (l *FileLock) Stop(ctx context.Context) error {
	return nil
}

// PrepareOnStartup deletes orphaned marker files.
func (l *FileLock) PrepareOnStartup(ctx context.Context, dir string) error {
	if !nativeLockSupported {
		return readlock.ErrUnsupported
	}
	return l.marker.PrepareOnStartup(ctx, dir)
}

// Acquire takes the marker, opens the file and polls a non-blocking
// try-lock every check interval. A zero timeout polls until the lock is
// granted or ctx is cancelled. The handle is closed on every path that does
// not acquire, so a cancelled wait leaves nothing open behind it.
func (l *FileLock) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	if a == nil {
		return false, readlock.ErrNilAttempt
	}
	a.Lock.StartedAt = time.Now()
	if !l.marker.claim(ctx, a, l.Name()) {
		return false, nil
	}

	path := a.File.AbsolutePath
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		reason := metrics.ReasonError
		if errors.Is(err, os.ErrNotExist) {
			reason = metrics.ReasonVanished
		}
		l.opts.skip(ctx, a, l.Name(), reason, "Cannot open file for locking. Will skip the file", "error", err)
		l.marker.release(ctx, a)
		return false, nil
	}

	result := l.opts.poller().poll(ctx, func() (bool, bool) {
		locked, err := tryLock(f)
		if errors.Is(err, readlock.ErrUnsupported) {
			return false, true
		}
		if err != nil {
			// overlapping lock errors are spurious on some platforms
			l.opts.logger.DebugContext(ctx, "Native lock attempt failed, will retry", "file", path, "error", err)
			return false, false
		}
		return locked, false
	})

	if result != pollAcquired {
		f.Close()
		l.opts.skip(ctx, a, l.Name(), result.reason(), "Cannot acquire read lock within timeout. Will skip the file", "timeout", l.opts.timeout)
		l.marker.release(ctx, a)
		return false, nil
	}

	a.Lock.Handle = f
	a.Lock.MarkAcquired(l.Name())
	return true, nil
}

// ReleaseOnAbort releases the native lock, closes the handle and deletes the marker.
func (l *FileLock) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	return l.release(ctx, a)
}

// ReleaseOnRollback releases the native lock, closes the handle and deletes the marker.
func (l *FileLock) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	return l.release(ctx, a)
}

// ReleaseOnCommit releases the native lock, closes the handle and deletes the marker.
func (l *FileLock) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	return l.release(ctx, a)
}

// release relinquishes the native lock before the handle is closed and the
// marker withdrawn.
func (l *FileLock) release(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	if a.Lock.Strategy == l.Name() {
		a.Lock.MarkReleased()
	}
	if f := a.Lock.Handle; f != nil {
		a.Lock.Handle = nil
		if err := unlock(f); err != nil {
			l.opts.logger.WarnContext(ctx, "Error releasing native lock", "file", f.Name(), "error", err)
			l.opts.metrics.LockReleaseFailed(l.Name())
		}
		if err := f.Close(); err != nil {
			l.opts.logger.WarnContext(ctx, "Error closing locked file", "file", f.Name(), "error", err)
		}
	}
	return l.marker.release(ctx, a)
}
