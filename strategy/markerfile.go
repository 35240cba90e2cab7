package strategy

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"readlock"
	"readlock/event"
	"readlock/metrics"
)

// LockFileSuffix is appended to a file path to form its marker file.
const LockFileSuffix = ".camelLock"

// MarkerPath returns the marker file path for path.
func MarkerPath(path string) string {
	return path + LockFileSuffix
}

// MarkerFile claims a file by exclusively creating a sentinel beside it.
// Exclusion holds only between consumers sharing the directory and relies
// on the file system honouring exclusive create; there is no other
// tie-break when two creates race on a file system that does not.
type MarkerFile struct {
	ops  readlock.Operations
	opts options
}

// Ensure MarkerFile implements readlock.Strategy
var _ readlock.Strategy = (*MarkerFile)(nil)

// NewMarkerFile creates a marker file strategy.
func NewMarkerFile(ops readlock.Operations, opts ...Option) *MarkerFile {
	return &MarkerFile{ops: ops, opts: applyOptions(opts)}
}

// Name returns "markerFile".
func (m *MarkerFile) Name() string {
	return string(readlock.KindMarkerFile)
}

// PrepareOnStartup deletes leftover marker files in dir.
func (m *MarkerFile) PrepareOnStartup(ctx context.Context, dir string) error {
	if !m.opts.markerFile || !m.opts.deleteOrphans {
		return nil
	}
	return deleteOrphanLockFiles(ctx, m.ops, dir, &m.opts)
}

// Acquire creates the marker file, retrying every check interval while
// another owner holds it until the timeout elapses. A zero timeout waits
// until the marker is free or ctx is cancelled.
func (m *MarkerFile) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	if a == nil {
		return false, readlock.ErrNilAttempt
	}
	a.Lock.StartedAt = time.Now()
	if !m.opts.markerFile {
		a.Lock.MarkAcquired(m.Name())
		return true, nil
	}

	path := MarkerPath(a.File.AbsolutePath)
	var lastErr error
	result := m.opts.poller().poll(ctx, func() (bool, bool) {
		created, err := m.ops.CreateExclusive(path)
		if err != nil {
			lastErr = err
			return false, false
		}
		lastErr = nil
		return created, false
	})

	if result != pollAcquired {
		reason := result.reason()
		switch {
		case lastErr != nil:
			reason = metrics.ReasonError
		case result == pollTimeout:
			reason = metrics.ReasonContended
		}
		m.opts.skip(ctx, a, m.Name(), reason, "Cannot acquire read lock. Will skip the file",
			"lock_file", path, "timeout", m.opts.timeout, "error", lastErr)
		return false, nil
	}
	a.Lock.MarkerFile = path
	a.Lock.MarkAcquired(m.Name())
	return true, nil
}

// ReleaseOnAbort deletes the marker file.
func (m *MarkerFile) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	return m.release(ctx, a)
}

// ReleaseOnRollback deletes the marker file.
func (m *MarkerFile) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	return m.release(ctx, a)
}

// ReleaseOnCommit deletes the marker file.
func (m *MarkerFile) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	return m.release(ctx, a)
}

// claim creates the marker when marker files are enabled. Composite
// strategies call it as their precondition; unlike Acquire it does not
// retry.
func (m *MarkerFile) claim(ctx context.Context, a *readlock.Attempt, strategy string) bool {
	if !m.opts.markerFile {
		return true
	}
	path := MarkerPath(a.File.AbsolutePath)
	created, err := m.ops.CreateExclusive(path)
	if err != nil {
		m.opts.skip(ctx, a, strategy, metrics.ReasonError, "Cannot create lock file. Will skip the file", "lock_file", path, "error", err)
		return false
	}
	if !created {
		m.opts.skip(ctx, a, strategy, metrics.ReasonContended, "Cannot acquire read lock. Will skip the file", "lock_file", path)
		return false
	}
	a.Lock.MarkerFile = path
	return true
}

// release deletes the marker this attempt created. Failures are logged;
// a leftover marker blocks the file until orphan cleanup runs.
func (m *MarkerFile) release(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	if a.Lock.Strategy == m.Name() {
		a.Lock.MarkReleased()
	}
	path := a.Lock.MarkerFile
	if path == "" {
		return nil
	}
	a.Lock.MarkerFile = ""

	deleted, err := m.ops.DeleteFile(path)
	if err != nil {
		m.opts.logger.WarnContext(ctx, "Error deleting lock file", "lock_file", path, "error", err)
		m.opts.metrics.LockReleaseFailed(m.Name())
		return nil
	}
	if !deleted {
		m.opts.logger.DebugContext(ctx, "Lock file already gone", "lock_file", path)
	}
	return nil
}

// deleteOrphanLockFiles removes marker files under dir. Hidden files and
// directories are skipped, matching what consumers poll.
func deleteOrphanLockFiles(ctx context.Context, ops readlock.Operations, dir string, o *options) error {
	var deleted int
	root := filepath.Clean(dir)
	err := ops.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := info.Name()
		if info.IsDir() {
			if filepath.Clean(path) == root {
				return nil
			}
			if !o.recursive || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, LockFileSuffix) {
			return nil
		}

		ok, derr := ops.DeleteFile(path)
		if derr != nil {
			o.logger.WarnContext(ctx, "Error deleting orphaned lock file", "lock_file", path, "error", derr)
			return nil
		}
		if ok {
			deleted++
			o.logger.DebugContext(ctx, "Deleted orphaned lock file", "lock_file", path)
			o.bus.Publish(ctx, event.NewEvent(event.EventOrphanDeleted).
				WithFile(strings.TrimSuffix(path, LockFileSuffix)).
				WithData("lock_file", path))
		}
		return nil
	})
	if deleted > 0 {
		o.metrics.OrphansDeleted(deleted)
		o.logger.InfoContext(ctx, "Deleted orphaned lock files", "dir", dir, "count", deleted)
	}
	return err
}
