package fileops

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"

	"readlock"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newMemOps(t *testing.T) (*Local, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return NewLocal(WithFs(fsys)), fsys
}

type closeRecorder struct {
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestLocal_CreateExclusive(t *testing.T) {
	ops, _ := newMemOps(t)

	ok, err := ops.CreateExclusive("/in/a.txt.camelLock")
	if err != nil || !ok {
		t.Fatalf("first create: ok=%v err=%v", ok, err)
	}

	ok, err = ops.CreateExclusive("/in/a.txt.camelLock")
	if err != nil {
		t.Fatalf("second create error: %v", err)
	}
	if ok {
		t.Error("second create should report false")
	}
}

func TestLocal_CreateExclusive_OsFs(t *testing.T) {
	ops := NewLocal()
	path := filepath.Join(t.TempDir(), "b.txt.camelLock")

	if ok, _ := ops.CreateExclusive(path); !ok {
		t.Fatal("expected create on real fs")
	}
	if ok, _ := ops.CreateExclusive(path); ok {
		t.Fatal("expected O_EXCL to fail on real fs")
	}
}

func TestLocal_DeleteFile(t *testing.T) {
	ops, fsys := newMemOps(t)
	if err := afero.WriteFile(fsys, "/in/a.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := ops.DeleteFile("/in/a.txt")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	ok, err = ops.DeleteFile("/in/a.txt")
	if err != nil {
		t.Fatalf("delete missing should not error: %v", err)
	}
	if ok {
		t.Error("delete missing should report false")
	}
}

func TestLocal_RenameFile(t *testing.T) {
	ops, fsys := newMemOps(t)
	if err := afero.WriteFile(fsys, "/in/a.txt", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ops.BuildDirectory("/in/done"); err != nil {
		t.Fatal(err)
	}

	ok, err := ops.RenameFile("/in/a.txt", "/in/done/a.txt")
	if err != nil || !ok {
		t.Fatalf("rename: ok=%v err=%v", ok, err)
	}
	if exists, _ := ops.Exists("/in/done/a.txt"); !exists {
		t.Error("target should exist")
	}

	_, err = ops.RenameFile("/in/missing.txt", "/in/other.txt")
	if !errors.Is(err, readlock.ErrOperationFailed) {
		t.Errorf("expected ErrOperationFailed, got %v", err)
	}
}

func TestLocal_Walk(t *testing.T) {
	ops, fsys := newMemOps(t)
	for _, p := range []string{"/in/a.txt", "/in/sub/b.txt", "/in/sub/deeper/c.txt"} {
		if err := afero.WriteFile(fsys, p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var files []string
	err := ops.Walk("/in", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	sort.Strings(files)
	if len(files) != 3 || files[0] != "/in/a.txt" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestLocal_ReleaseRetrievedFileResources(t *testing.T) {
	ops, _ := newMemOps(t)
	body := &closeRecorder{}
	f, _ := readlock.NewFile("/in", "a.txt")
	a := readlock.NewAttempt(f)
	a.Body = body

	if err := ops.ReleaseRetrievedFileResources(a); err != nil {
		t.Fatal(err)
	}
	if err := ops.ReleaseRetrievedFileResources(a); err != nil {
		t.Fatal(err)
	}
	if body.closed != 1 {
		t.Errorf("expected exactly one close, got %d", body.closed)
	}
	if err := ops.ReleaseRetrievedFileResources(nil); err != nil {
		t.Errorf("nil attempt: %v", err)
	}
}
