package strategy

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"readlock"
	"readlock/fileops"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug - 4})), buf
}

// fastOptions keep polling tests in the tens of milliseconds.
func fastOptions(extra ...Option) []Option {
	return append([]Option{
		WithTimeout(200 * time.Millisecond),
		WithCheckInterval(10 * time.Millisecond),
		WithLogger(discardLogger()),
	}, extra...)
}

// writeTempFile creates name with data in a fresh temp dir on the OS file system.
func writeTempFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func newAttempt(t *testing.T, path string) *readlock.Attempt {
	t.Helper()
	f, err := readlock.NewFile(filepath.Dir(path), path)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	return readlock.NewAttempt(f)
}

func newMemOps(t *testing.T, files ...string) (*fileops.Local, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fsys, f, []byte("data"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return fileops.NewLocal(fileops.WithFs(fsys)), fsys
}

// renameFailOps fails every rename, like a platform where an open handle
// blocks rename.
type renameFailOps struct {
	*fileops.Local
	mu    sync.Mutex
	calls int
}

func (o *renameFailOps) RenameFile(from, to string) (bool, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return false, os.ErrPermission
}

func (o *renameFailOps) renameCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	return err == nil
}
