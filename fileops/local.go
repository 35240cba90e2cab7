// Package fileops provides the file system operations used by the read lock
// and process strategies.
package fileops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"readlock"
)

// Local implements readlock.Operations over an afero file system.
type Local struct {
	fs afero.Fs
}

// Option is a functional option for configuring Local
type Option func(*Local)

// WithFs sets the underlying file system. Tests use afero.NewMemMapFs().
func WithFs(fsys afero.Fs) Option {
	return func(l *Local) {
		l.fs = fsys
	}
}

// NewLocal creates operations backed by the OS file system unless WithFs is given.
func NewLocal(opts ...Option) *Local {
	l := &Local{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fs returns the underlying file system.
func (l *Local) Fs() afero.Fs {
	return l.fs
}

// Stat returns file info for name.
func (l *Local) Stat(name string) (fs.FileInfo, error) {
	return l.fs.Stat(name)
}

// Exists reports whether name exists.
func (l *Local) Exists(name string) (bool, error) {
	return afero.Exists(l.fs, name)
}

// CreateExclusive creates name with O_EXCL. It returns false if name already exists.
func (l *Local) CreateExclusive(name string) (bool, error) {
	f, err := l.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: create %s: %v", readlock.ErrOperationFailed, name, err)
	}
	if err := f.Close(); err != nil {
		return true, fmt.Errorf("%w: close %s: %v", readlock.ErrOperationFailed, name, err)
	}
	return true, nil
}

// DeleteFile removes name. A missing file is reported as false without an error.
func (l *Local) DeleteFile(name string) (bool, error) {
	if err := l.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: delete %s: %v", readlock.ErrOperationFailed, name, err)
	}
	return true, nil
}

// RenameFile renames from to to.
func (l *Local) RenameFile(from, to string) (bool, error) {
	if err := l.fs.Rename(from, to); err != nil {
		return false, fmt.Errorf("%w: rename %s to %s: %v", readlock.ErrOperationFailed, from, to, err)
	}
	return true, nil
}

// BuildDirectory creates dir and any missing parents.
func (l *Local) BuildDirectory(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", readlock.ErrOperationFailed, dir, err)
	}
	return nil
}

// Walk walks the tree rooted at root.
func (l *Local) Walk(root string, fn filepath.WalkFunc) error {
	return afero.Walk(l.fs, root, fn)
}

// ReleaseRetrievedFileResources closes the attempt body, if any.
func (l *Local) ReleaseRetrievedFileResources(a *readlock.Attempt) error {
	if a == nil || a.Body == nil {
		return nil
	}
	err := a.Body.Close()
	a.Body = nil
	return err
}

// Open opens name for reading. Consumers use it to populate Attempt.Body.
func (l *Local) Open(name string) (afero.File, error) {
	return l.fs.Open(name)
}

// Ensure Local implements readlock.Operations
var _ readlock.Operations = (*Local)(nil)
