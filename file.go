package readlock

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// File identifies one file resource discovered by a consumer.
// Length, LastModified and Exists are the last observed values and are
// refreshed by the read lock strategies while they poll.
type File struct {
	// BaseDir is the consumer's starting directory
	BaseDir string
	// RelativePath is the path relative to BaseDir
	RelativePath string
	// AbsolutePath is the absolute path of the file
	AbsolutePath string
	// Length is the last observed length in bytes
	Length int64
	// LastModified is the last observed modification time
	LastModified time.Time
	// Exists is the last observed existence flag
	Exists bool
}

// NewFile creates a File for path beneath baseDir. path may be absolute or
// relative to baseDir. The file is not stat'ed; call Refresh for that.
func NewFile(baseDir, path string) (*File, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, path)
	}
	abs = filepath.Clean(abs)

	return &File{
		BaseDir:      base,
		RelativePath: relativeTo(base, abs),
		AbsolutePath: abs,
	}, nil
}

// Name returns the file name without any directory.
func (f *File) Name() string {
	return filepath.Base(f.AbsolutePath)
}

// Parent returns the absolute directory holding the file.
func (f *File) Parent() string {
	return filepath.Dir(f.AbsolutePath)
}

// Refresh re-reads length, modification time and existence through ops.
// A missing file is not an error: Exists becomes false.
func (f *File) Refresh(ops Operations) error {
	info, err := ops.Stat(f.AbsolutePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.Exists = false
			return nil
		}
		return err
	}
	f.Exists = true
	f.Length = info.Size()
	f.LastModified = info.ModTime()
	return nil
}

// Copy returns a shallow copy of the file.
func (f *File) Copy() *File {
	cp := *f
	return &cp
}

// ChangeFileName points the file at newName. A relative newName is
// resolved against BaseDir.
func (f *File) ChangeFileName(newName string) {
	newName = filepath.FromSlash(newName)
	if !filepath.IsAbs(newName) {
		newName = filepath.Join(f.BaseDir, newName)
	}
	f.AbsolutePath = filepath.Clean(newName)
	f.RelativePath = relativeTo(f.BaseDir, f.AbsolutePath)
}

// String returns the absolute path.
func (f *File) String() string {
	return f.AbsolutePath
}

func relativeTo(base, abs string) string {
	rel, err := filepath.Rel(base, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return rel
}
