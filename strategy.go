package readlock

import (
	"context"
	"io/fs"
	"path/filepath"
)

// Strategy is an exclusive read lock: a pluggable way of claiming one file
// before it is processed. Acquire is the only blocking call. Exactly one of
// the release hooks must follow every successful Acquire; calling a hook
// when nothing is held is a no-op.
type Strategy interface {
	// PrepareOnStartup runs once before polling of dir begins.
	PrepareOnStartup(ctx context.Context, dir string) error

	// Acquire claims the attempt's file. It returns false when the file is
	// owned elsewhere, vanished, or could not be claimed within the timeout.
	// Cancelling ctx abandons the attempt and returns false.
	Acquire(ctx context.Context, a *Attempt) (bool, error)

	// ReleaseOnAbort releases after processing was abandoned without recovery.
	ReleaseOnAbort(ctx context.Context, a *Attempt) error

	// ReleaseOnRollback releases after processing failed.
	ReleaseOnRollback(ctx context.Context, a *Attempt) error

	// ReleaseOnCommit releases after processing succeeded.
	ReleaseOnCommit(ctx context.Context, a *Attempt) error
}

// Lifecycle is implemented by strategies that own resources between
// Start and Stop, such as a release scheduler pool.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Named is implemented by strategies that report a name for logs and metrics.
type Named interface {
	Name() string
}

// NameOf returns the strategy name, or "none" for a nil strategy.
func NameOf(s Strategy) string {
	if s == nil {
		return string(KindNone)
	}
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "custom"
}

// Operations is the file system surface used by the strategies.
type Operations interface {
	// Stat returns file info; a missing file yields an error matching fs.ErrNotExist.
	Stat(name string) (fs.FileInfo, error)

	// Exists reports whether name exists.
	Exists(name string) (bool, error)

	// CreateExclusive atomically creates name. It returns false if name already exists.
	CreateExclusive(name string) (bool, error)

	// DeleteFile removes name. It returns false if nothing was deleted.
	DeleteFile(name string) (bool, error)

	// RenameFile renames from to to.
	RenameFile(from, to string) (bool, error)

	// BuildDirectory creates dir and any missing parents.
	BuildDirectory(dir string) error

	// Walk walks the tree rooted at root.
	Walk(root string, fn filepath.WalkFunc) error

	// ReleaseRetrievedFileResources releases handles opened to read the file.
	ReleaseRetrievedFileResources(a *Attempt) error
}

// Expression evaluates to a string for an attempt, such as a rename target
// or an idempotent key.
type Expression interface {
	Evaluate(a *Attempt) (string, error)
}
