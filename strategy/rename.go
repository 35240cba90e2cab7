package strategy

import (
	"context"
	"time"

	"readlock"
)

// RenameSuffix is the temporary suffix used by the rename probe.
const RenameSuffix = ".camelExclusiveReadLock"

// Rename probes for exclusivity by renaming the file to a temporary name and
// back. On platforms where an open handle blocks rename, a failed rename
// means another process still has the file open. Any rename failure,
// including the file vanishing mid-probe, counts as "not yet".
type Rename struct {
	ops    readlock.Operations
	opts   options
	marker *MarkerFile
}

// Ensure Rename implements readlock.Strategy
var _ readlock.Strategy = (*Rename)(nil)

// NewRename creates a rename probe strategy. The marker file precondition
// is used unless WithMarkerFile(false) is given.
func NewRename(ops readlock.Operations, opts ...Option) *Rename {
	o := applyOptions(opts)
	return &Rename{ops: ops, opts: o, marker: &MarkerFile{ops: ops, opts: o}}
}

// Name returns "rename".
func (r *Rename) Name() string {
	return string(readlock.KindRename)
}

// PrepareOnStartup deletes orphaned marker files.
func (r *Rename) PrepareOnStartup(ctx context.Context, dir string) error {
	return r.marker.PrepareOnStartup(ctx, dir)
}

// Acquire polls the rename probe until it succeeds or the timeout elapses.
func (r *Rename) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	if a == nil {
		return false, readlock.ErrNilAttempt
	}
	a.Lock.StartedAt = time.Now()
	if !r.marker.claim(ctx, a, r.Name()) {
		return false, nil
	}

	path := a.File.AbsolutePath
	tmp := path + RenameSuffix
	restorePending := false

	result := r.opts.poller().poll(ctx, func() (bool, bool) {
		if restorePending {
			if ok, _ := r.ops.RenameFile(tmp, path); !ok {
				return false, false
			}
			restorePending = false
			return true, false
		}
		if ok, _ := r.ops.RenameFile(path, tmp); !ok {
			return false, false
		}
		if ok, err := r.ops.RenameFile(tmp, path); !ok {
			r.opts.logger.WarnContext(ctx, "Cannot rename file back after probe, will retry",
				"file", path, "tmp", tmp, "error", err)
			restorePending = true
			return false, false
		}
		return true, false
	})

	if restorePending {
		if ok, err := r.ops.RenameFile(tmp, path); !ok {
			r.opts.logger.ErrorContext(ctx, "File left under probe name", "file", path, "tmp", tmp, "error", err)
		}
	}

	if result != pollAcquired {
		r.opts.skip(ctx, a, r.Name(), result.reason(), "Cannot acquire read lock within timeout. Will skip the file", "timeout", r.opts.timeout)
		r.marker.release(ctx, a)
		return false, nil
	}
	a.Lock.MarkAcquired(r.Name())
	return true, nil
}

// ReleaseOnAbort releases the marker file, if any.
func (r *Rename) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	return r.release(ctx, a)
}

// ReleaseOnRollback releases the marker file, if any.
func (r *Rename) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	return r.release(ctx, a)
}

// ReleaseOnCommit releases the marker file, if any.
func (r *Rename) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	return r.release(ctx, a)
}

func (r *Rename) release(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	if a.Lock.Strategy == r.Name() {
		a.Lock.MarkReleased()
	}
	return r.marker.release(ctx, a)
}
