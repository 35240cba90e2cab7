package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"readlock"
	"readlock/fileops"
	"readlock/metrics"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func newAttempt(t *testing.T, baseDir, path string) *readlock.Attempt {
	t.Helper()
	f, err := readlock.NewFile(baseDir, path)
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	return readlock.NewAttempt(f)
}

func assertExists(t *testing.T, fsys afero.Fs, path string, want bool) {
	t.Helper()
	ok, _ := afero.Exists(fsys, path)
	if ok != want {
		t.Errorf("exists(%s) = %v, want %v", path, ok, want)
	}
}

// journal records the order of lock and file operations.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// flakyOps fails the first failures deletes, recording every call.
type flakyOps struct {
	*fileops.Local
	failures int
	journal  *journal

	mu      sync.Mutex
	deletes int
}

func (o *flakyOps) DeleteFile(name string) (bool, error) {
	o.mu.Lock()
	o.deletes++
	n := o.deletes
	o.mu.Unlock()

	if o.journal != nil {
		o.journal.add("delete")
	}
	if n <= o.failures {
		return false, nil
	}
	return o.Local.DeleteFile(name)
}

func (o *flakyOps) deleteCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deletes
}

// readOnlyRename refuses every rename.
type readOnlyRename struct {
	*fileops.Local
}

func (o *readOnlyRename) RenameFile(from, to string) (bool, error) {
	return false, os.ErrPermission
}

// fakeLock is a read lock that records release calls under a chosen name.
type fakeLock struct {
	name    string
	accept  bool
	journal *journal
	err     error
}

func (l *fakeLock) Name() string { return l.name }

func (l *fakeLock) PrepareOnStartup(ctx context.Context, dir string) error { return nil }

func (l *fakeLock) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	a.Lock.StartedAt = time.Now()
	if !l.accept {
		a.Lock.MarkRejected(metrics.ReasonContended)
		return false, nil
	}
	a.Lock.MarkAcquired(l.name)
	return true, nil
}

func (l *fakeLock) release(a *readlock.Attempt, outcome string) error {
	if a.Lock.Strategy == l.name {
		a.Lock.MarkReleased()
		if l.journal != nil {
			l.journal.add("release:" + outcome)
		}
	}
	return l.err
}

func (l *fakeLock) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	return l.release(a, OutcomeAbort)
}

func (l *fakeLock) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	return l.release(a, OutcomeRollback)
}

func (l *fakeLock) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	return l.release(a, OutcomeCommit)
}

// recordingMetrics counts the process metrics it receives.
type recordingMetrics struct {
	metrics.NoopMetrics
	mu        sync.Mutex
	acquired  int
	rejected  []string
	released  []string
	committed int
	rolled    int
	aborted   int
	retried   int
}

func (m *recordingMetrics) LockAcquired(strategy string, wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *recordingMetrics) LockRejected(strategy, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}

func (m *recordingMetrics) LockReleased(strategy, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, outcome)
}

func (m *recordingMetrics) FileCommitted(policy string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed++
}

func (m *recordingMetrics) FileRolledBack(policy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolled++
}

func (m *recordingMetrics) FileAborted(policy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted++
}

func (m *recordingMetrics) DeleteRetried() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried++
}

type closeCounter struct {
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}
