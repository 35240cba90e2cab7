package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"readlock"
	"readlock/expr"
	"readlock/idempotent"
	"readlock/metrics"
)

// ============================================================================
// Test Helpers
// ============================================================================

// brokenRepository fails every call.
type brokenRepository struct {
	idempotent.Repository
}

var errRepoDown = errors.New("repository down")

func (brokenRepository) Add(ctx context.Context, key string) (bool, error) { return false, errRepoDown }
func (brokenRepository) Remove(ctx context.Context, key string) (bool, error) {
	return false, errRepoDown
}

// ============================================================================
// Acquire
// ============================================================================

func TestIdempotent_ClaimsKeyOnce(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions())
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	ok, err := s.Acquire(ctx, a)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if a.Lock.Key != "/in/a.txt" || a.Lock.Strategy != "idempotent" {
		t.Errorf("lock state = %+v", a.Lock)
	}

	b := newAttempt(t, "/in/a.txt")
	if ok, _ := s.Acquire(ctx, b); ok {
		t.Error("second claim of the same key must fail")
	}
	if b.Lock.Rejected != metrics.ReasonClaimed {
		t.Errorf("rejected = %q, want claimed", b.Lock.Rejected)
	}
}

func TestIdempotent_VanishedFile(t *testing.T) {
	ops, _ := newMemOps(t)
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions())

	a := newAttempt(t, "/in/gone.txt")
	if ok, _ := s.Acquire(context.Background(), a); ok {
		t.Fatal("missing file must not be claimed")
	}
	if repo.Len() != 0 {
		t.Error("no key should be added for a missing file")
	}
}

func TestIdempotent_RepositoryError(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	s := NewIdempotent(ops, brokenRepository{}, fastOptions())

	a := newAttempt(t, "/in/a.txt")
	ok, err := s.Acquire(context.Background(), a)
	if err != nil || ok {
		t.Fatalf("acquire: ok=%v err=%v, want false without error", ok, err)
	}
	if a.Lock.Rejected != metrics.ReasonError {
		t.Errorf("rejected = %q", a.Lock.Rejected)
	}
}

func TestIdempotent_KeyExpression(t *testing.T) {
	ops, _ := newMemOps(t, "/in/x/a.txt", "/in/y/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions(), WithIdempotentKey(expr.MustParse("${file:onlyname}")))
	ctx := context.Background()

	a := newAttempt(t, "/in/x/a.txt")
	if ok, _ := s.Acquire(ctx, a); !ok {
		t.Fatal("first acquire failed")
	}
	if a.Lock.Key != "a.txt" {
		t.Errorf("key = %q", a.Lock.Key)
	}
	if ok, _ := s.Acquire(ctx, newAttempt(t, "/in/y/a.txt")); ok {
		t.Error("same name in another directory shares the key")
	}
}

func TestIdempotent_NotConfigured(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	s := NewIdempotentRename(ops, nil, fastOptions())
	ctx := context.Background()

	if err := s.Start(ctx); !errors.Is(err, readlock.ErrRepositoryNotConfigured) {
		t.Errorf("start err = %v", err)
	}
	if err := s.PrepareOnStartup(ctx, "/in"); !errors.Is(err, readlock.ErrRepositoryNotConfigured) {
		t.Errorf("prepare err = %v", err)
	}
	if _, err := s.Acquire(ctx, newAttempt(t, "/in/a.txt")); !errors.Is(err, readlock.ErrRepositoryNotConfigured) {
		t.Errorf("acquire err = %v", err)
	}
}

// ============================================================================
// Compensation
// ============================================================================

func TestIdempotentRename_DelegateFailureRemovesKey(t *testing.T) {
	local, fsys := newMemOps(t, "/in/a.txt")
	ops := &renameFailOps{Local: local}
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotentRename(ops, repo,
		[]Option{WithTimeout(40 * time.Millisecond), WithCheckInterval(10 * time.Millisecond), WithLogger(discardLogger())},
		WithRemoveOnRollback(true))
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	ok, err := s.Acquire(ctx, a)
	if err != nil || ok {
		t.Fatalf("acquire: ok=%v err=%v, want false", ok, err)
	}
	if exists, _ := repo.Contains(ctx, "/in/a.txt"); exists {
		t.Error("key must be removed when the rename round trip fails")
	}
	if a.Lock.Held() {
		t.Errorf("failed acquire left state: %+v", a.Lock)
	}
	if a.Lock.Rejected != metrics.ReasonTimeout {
		t.Errorf("rejected = %q, want delegate's reason", a.Lock.Rejected)
	}
	if ok, _ := afero.Exists(fsys, "/in/a.txt.camelLock"); ok {
		t.Error("delegate marker left behind")
	}
}

func TestIdempotentChanged_Acquire(t *testing.T) {
	ops, fsys := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotentChanged(ops, repo, fastOptions())
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	if ok, _ := s.Acquire(ctx, a); !ok {
		t.Fatal("acquire failed")
	}
	if a.Lock.Strategy != "idempotent-changed" || a.Lock.MarkerFile == "" || a.Lock.Key == "" {
		t.Errorf("lock state = %+v", a.Lock)
	}

	s.ReleaseOnCommit(ctx, a)
	if a.Lock.Held() {
		t.Errorf("state after release: %+v", a.Lock)
	}
	if ok, _ := afero.Exists(fsys, "/in/a.txt.camelLock"); ok {
		t.Error("delegate marker left behind")
	}
	if !repo.Confirmed("/in/a.txt") {
		t.Error("commit should confirm the key by default")
	}
}

// ============================================================================
// Release
// ============================================================================

func TestIdempotent_ReleaseDisposition(t *testing.T) {
	tests := []struct {
		name          string
		opts          []IdempotentOption
		release       func(*Idempotent, context.Context, *readlock.Attempt) error
		wantContains  bool
		wantConfirmed bool
	}{
		{"rollback removes by default", nil, (*Idempotent).ReleaseOnRollback, false, false},
		{"rollback confirms", []IdempotentOption{WithRemoveOnRollback(false)}, (*Idempotent).ReleaseOnRollback, true, true},
		{"commit confirms by default", nil, (*Idempotent).ReleaseOnCommit, true, true},
		{"commit removes", []IdempotentOption{WithRemoveOnCommit(true)}, (*Idempotent).ReleaseOnCommit, false, false},
		{"abort always removes", []IdempotentOption{WithRemoveOnRollback(false)}, (*Idempotent).ReleaseOnAbort, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, _ := newMemOps(t, "/in/a.txt")
			repo := idempotent.NewMemoryRepository()
			s := NewIdempotent(ops, repo, fastOptions(), tt.opts...)
			ctx := context.Background()

			a := newAttempt(t, "/in/a.txt")
			if ok, _ := s.Acquire(ctx, a); !ok {
				t.Fatal("acquire failed")
			}
			if err := tt.release(s, ctx, a); err != nil {
				t.Fatalf("release: %v", err)
			}

			contains, _ := repo.Contains(ctx, "/in/a.txt")
			if contains != tt.wantContains {
				t.Errorf("contains = %v, want %v", contains, tt.wantContains)
			}
			if repo.Confirmed("/in/a.txt") != tt.wantConfirmed {
				t.Errorf("confirmed = %v, want %v", !tt.wantConfirmed, tt.wantConfirmed)
			}
			if a.Lock.Held() {
				t.Errorf("state after release: %+v", a.Lock)
			}

			// a second release must not touch the repository again
			repo.Add(ctx, "/in/a.txt")
			tt.release(s, ctx, a)
			if ok, _ := repo.Contains(ctx, "/in/a.txt"); !ok {
				t.Error("repeated release removed a key it no longer owns")
			}
		})
	}
}

func TestIdempotent_KeyFixedAtAcquire(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions())
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	if ok, _ := s.Acquire(ctx, a); !ok {
		t.Fatal("acquire failed")
	}
	a.File.ChangeFileName("/in/.inprogress/a.txt")
	s.ReleaseOnCommit(ctx, a)

	if !repo.Confirmed("/in/a.txt") {
		t.Error("the key claimed at acquire must be confirmed")
	}
	if repo.Len() != 1 {
		t.Errorf("repository holds %d keys", repo.Len())
	}
}

func TestIdempotent_InlineReleaseDelay(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions(), WithReleaseDelay(30*time.Millisecond))
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	s.Acquire(ctx, a)

	start := time.Now()
	s.ReleaseOnRollback(ctx, a)
	if time.Since(start) < 30*time.Millisecond {
		t.Error("inline release did not wait for the delay")
	}
	if ok, _ := repo.Contains(ctx, "/in/a.txt"); ok {
		t.Error("key should be removed after the delay")
	}
}

func TestIdempotent_AsyncReleaseDelay(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions(),
		WithReleaseDelay(40*time.Millisecond), WithAsyncRelease(2, time.Second))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a := newAttempt(t, "/in/a.txt")
	s.Acquire(ctx, a)

	start := time.Now()
	s.ReleaseOnRollback(ctx, a)
	if time.Since(start) > 20*time.Millisecond {
		t.Error("async release blocked the caller")
	}
	if ok, _ := repo.Contains(ctx, "/in/a.txt"); !ok {
		t.Error("key removed before the delay elapsed")
	}

	// Stop drains the pool
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ok, _ := repo.Contains(ctx, "/in/a.txt"); ok {
		t.Error("key should be removed once the pool drained")
	}
}

func TestIdempotent_AbortIgnoresDelay(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions(), WithReleaseDelay(time.Hour))
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	s.Acquire(ctx, a)

	done := make(chan struct{})
	go func() {
		s.ReleaseOnAbort(ctx, a)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("abort waited for the release delay")
	}
	if repo.Len() != 0 {
		t.Error("abort should remove the key")
	}
}

func TestIdempotent_ReleaseWithoutAcquire(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	repo.Add(context.Background(), "/in/a.txt")
	s := NewIdempotentRename(ops, repo, fastOptions())
	ctx := context.Background()

	a := newAttempt(t, "/in/a.txt")
	for _, release := range []func(context.Context, *readlock.Attempt) error{
		s.ReleaseOnAbort, s.ReleaseOnRollback, s.ReleaseOnCommit,
	} {
		if err := release(ctx, a); err != nil {
			t.Errorf("release: %v", err)
		}
		if err := release(ctx, nil); err != nil {
			t.Errorf("release nil: %v", err)
		}
	}
	if ok, _ := repo.Contains(ctx, "/in/a.txt"); !ok {
		t.Error("release without acquire removed a foreign key")
	}
}

// recordingDelegate records whether the key was already updated in the
// repository when the delegate was released.
type recordingDelegate struct {
	repo *idempotent.MemoryRepository
	key  string

	mu         sync.Mutex
	releasedAt time.Time
	keyPresent bool
	confirmed  bool
}

func (d *recordingDelegate) PrepareOnStartup(ctx context.Context, dir string) error { return nil }

func (d *recordingDelegate) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	return true, nil
}

func (d *recordingDelegate) record(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releasedAt = time.Now()
	d.keyPresent, _ = d.repo.Contains(ctx, d.key)
	d.confirmed = d.repo.Confirmed(d.key)
}

func (d *recordingDelegate) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	d.record(ctx)
	return nil
}

func (d *recordingDelegate) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	d.record(ctx)
	return nil
}

func (d *recordingDelegate) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	d.record(ctx)
	return nil
}

func (d *recordingDelegate) snapshot() (time.Time, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releasedAt, d.keyPresent, d.confirmed
}

// countingScheduler runs releases inline and counts Close calls.
type countingScheduler struct {
	scheduled atomic.Int32
	closed    atomic.Int32
}

func (c *countingScheduler) Schedule(ctx context.Context, delay time.Duration, fn ReleaseFunc) error {
	c.scheduled.Add(1)
	fn(ctx)
	return nil
}

func (c *countingScheduler) Close(ctx context.Context) error {
	c.closed.Add(1)
	return nil
}

// ============================================================================
// Release ordering
// ============================================================================

func TestIdempotent_RepositoryUpdatedBeforeDelegate(t *testing.T) {
	tests := []struct {
		name          string
		release       func(*Idempotent, context.Context, *readlock.Attempt) error
		wantPresent   bool
		wantConfirmed bool
	}{
		{"commit", (*Idempotent).ReleaseOnCommit, true, true},
		{"rollback", (*Idempotent).ReleaseOnRollback, false, false},
		{"abort", (*Idempotent).ReleaseOnAbort, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, _ := newMemOps(t, "/in/a.txt")
			repo := idempotent.NewMemoryRepository()
			d := &recordingDelegate{repo: repo, key: "/in/a.txt"}
			s := newIdempotent("idempotent-test", ops, repo, d, fastOptions(), nil)
			ctx := context.Background()

			a := newAttempt(t, "/in/a.txt")
			if ok, _ := s.Acquire(ctx, a); !ok {
				t.Fatal("acquire failed")
			}
			if err := tt.release(s, ctx, a); err != nil {
				t.Fatalf("release: %v", err)
			}

			at, present, confirmed := d.snapshot()
			if at.IsZero() {
				t.Fatal("delegate was not released")
			}
			if present != tt.wantPresent || confirmed != tt.wantConfirmed {
				t.Errorf("at delegate release: present=%v confirmed=%v, want %v %v",
					present, confirmed, tt.wantPresent, tt.wantConfirmed)
			}
		})
	}
}

func TestIdempotent_DelegateReleaseWaitsForDelay(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	d := &recordingDelegate{repo: repo, key: "/in/a.txt"}
	s := newIdempotent("idempotent-test", ops, repo, d, fastOptions(),
		[]IdempotentOption{WithReleaseDelay(40 * time.Millisecond), WithAsyncRelease(1, time.Second)})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	a := newAttempt(t, "/in/a.txt")
	s.Acquire(ctx, a)

	start := time.Now()
	s.ReleaseOnCommit(ctx, a)
	if at, _, _ := d.snapshot(); !at.IsZero() {
		t.Error("delegate released before the delay elapsed")
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	at, present, confirmed := d.snapshot()
	if at.Sub(start) < 40*time.Millisecond {
		t.Errorf("delegate released after %v, want at least the delay", at.Sub(start))
	}
	if !present || !confirmed {
		t.Error("delegate released before the key was confirmed")
	}
}

// ============================================================================
// Scheduler ownership
// ============================================================================

func TestIdempotent_ExplicitSchedulerKept(t *testing.T) {
	ops, _ := newMemOps(t, "/in/a.txt")
	repo := idempotent.NewMemoryRepository()
	sched := &countingScheduler{}
	s := NewIdempotent(ops, repo, fastOptions(),
		WithReleaseScheduler(sched), WithAsyncRelease(4, time.Second))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	a := newAttempt(t, "/in/a.txt")
	s.Acquire(ctx, a)
	s.ReleaseOnCommit(ctx, a)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := sched.scheduled.Load(); got != 1 {
		t.Errorf("caller's scheduler ran %d releases, want 1", got)
	}
	if got := sched.closed.Load(); got != 0 {
		t.Errorf("caller's scheduler closed %d times, want 0", got)
	}
}

func TestIdempotent_StopDuringReleases(t *testing.T) {
	const files = 20
	paths := make([]string, files)
	for i := range paths {
		paths[i] = fmt.Sprintf("/in/f-%d.txt", i)
	}
	ops, _ := newMemOps(t, paths...)
	repo := idempotent.NewMemoryRepository()
	s := NewIdempotent(ops, repo, fastOptions(),
		WithReleaseDelay(5*time.Millisecond), WithAsyncRelease(2, time.Second))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	attempts := make([]*readlock.Attempt, files)
	for i, p := range paths {
		attempts[i] = newAttempt(t, p)
		if ok, _ := s.Acquire(ctx, attempts[i]); !ok {
			t.Fatalf("acquire %s failed", p)
		}
	}

	var wg sync.WaitGroup
	for _, a := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ReleaseOnCommit(ctx, a)
		}()
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
	wg.Wait()

	// a second Stop has nothing to drain
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second stop: %v", err)
	}
	for _, p := range paths {
		if !repo.Confirmed(p) {
			t.Errorf("%s not confirmed", p)
		}
	}
}
