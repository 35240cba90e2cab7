package strategy

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"readlock"
)

// Changed waits until a file stops changing. It is a heuristic for "the
// writer has finished", not a lock: a writer that pauses longer than one
// check interval looks finished. The marker file precondition provides the
// exclusion between local consumers.
//
// The file counts as stable once its length is at least the minimum
// length, the attempt is at least the minimum age old, and two
// consecutive polls observed the same length and modification time.
type Changed struct {
	ops    readlock.Operations
	opts   options
	marker *MarkerFile
}

// Ensure Changed implements readlock.Strategy
var _ readlock.Strategy = (*Changed)(nil)

// NewChanged creates a changed detection strategy.
func NewChanged(ops readlock.Operations, opts ...Option) *Changed {
	o := applyOptions(opts)
	return &Changed{ops: ops, opts: o, marker: &MarkerFile{ops: ops, opts: o}}
}

// Name returns "changed".
func (c *Changed) Name() string {
	return string(readlock.KindChanged)
}

// PrepareOnStartup deletes orphaned marker files.
func (c *Changed) PrepareOnStartup(ctx context.Context, dir string) error {
	return c.marker.PrepareOnStartup(ctx, dir)
}

// Acquire polls length and modification time until they are stable.
// It gives up when the file disappears or the timeout elapses.
func (c *Changed) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	if a == nil {
		return false, readlock.ErrNilAttempt
	}
	start := time.Now()
	a.Lock.StartedAt = start
	if !c.marker.claim(ctx, a, c.Name()) {
		return false, nil
	}

	var (
		seen      bool
		lastLen   int64
		lastMod   time.Time
		statError error
	)

	result := c.opts.poller().poll(ctx, func() (bool, bool) {
		info, err := c.ops.Stat(a.File.AbsolutePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				a.File.Exists = false
				return false, true
			}
			statError = err
			return false, false
		}

		length, modified := info.Size(), info.ModTime()
		a.File.Exists = true
		a.File.Length = length
		a.File.LastModified = modified

		stable := seen && length == lastLen && modified.Equal(lastMod)
		if stable && length >= c.opts.minLength && time.Since(start) >= c.opts.minAge {
			return true, false
		}

		readlock.LevelTrace.Log(ctx, c.opts.logger, "Previous length/modified differ from current, will wait",
			"file", a.File.AbsolutePath, "previous_length", lastLen, "length", length,
			"previous_modified", lastMod, "modified", modified)
		seen, lastLen, lastMod = true, length, modified
		return false, false
	})

	if result != pollAcquired {
		args := []any{"timeout", c.opts.timeout}
		if statError != nil {
			args = append(args, "error", statError)
		}
		c.opts.skip(ctx, a, c.Name(), result.reason(), "Cannot acquire read lock. Will skip the file", args...)
		c.marker.release(ctx, a)
		return false, nil
	}
	a.Lock.MarkAcquired(c.Name())
	return true, nil
}

// ReleaseOnAbort releases the marker file.
func (c *Changed) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	return c.release(ctx, a)
}

// ReleaseOnRollback releases the marker file.
func (c *Changed) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	return c.release(ctx, a)
}

// ReleaseOnCommit releases the marker file.
func (c *Changed) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	return c.release(ctx, a)
}

func (c *Changed) release(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	if a.Lock.Strategy == c.Name() {
		a.Lock.MarkReleased()
	}
	return c.marker.release(ctx, a)
}
