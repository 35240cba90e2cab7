package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"readlock"
	"readlock/idempotent"
	"readlock/metrics"
)

// Idempotent claims a file by adding its key to an idempotent repository.
// The repository's Add is the linearization point: with a shared store it
// excludes consumers in other processes, which no file system strategy can.
//
// An optional delegate performs local acquisition after the key is claimed.
// If the delegate fails the key is removed again so the file is not
// orphaned in the repository.
type Idempotent struct {
	name     string
	ops      readlock.Operations
	repo     idempotent.Repository
	delegate readlock.Strategy
	opts     options

	key              readlock.Expression
	removeOnRollback bool
	removeOnCommit   bool
	releaseDelay     time.Duration

	asyncPool int
	asyncWait time.Duration

	// mu guards the scheduler, which Start and Stop swap
	mu        sync.Mutex
	scheduler ReleaseScheduler
	owned     bool
	explicit  bool
}

// Ensure Idempotent implements readlock.Strategy and readlock.Lifecycle
var (
	_ readlock.Strategy  = (*Idempotent)(nil)
	_ readlock.Lifecycle = (*Idempotent)(nil)
)

// IdempotentOption configures an Idempotent strategy
type IdempotentOption func(*Idempotent)

// WithIdempotentKey sets the key expression. The default key is the
// absolute path of the file.
func WithIdempotentKey(key readlock.Expression) IdempotentOption {
	return func(s *Idempotent) {
		s.key = key
	}
}

// WithRemoveOnRollback removes the key on rollback instead of confirming it.
func WithRemoveOnRollback(remove bool) IdempotentOption {
	return func(s *Idempotent) {
		s.removeOnRollback = remove
	}
}

// WithRemoveOnCommit removes the key on commit instead of confirming it.
func WithRemoveOnCommit(remove bool) IdempotentOption {
	return func(s *Idempotent) {
		s.removeOnCommit = remove
	}
}

// WithReleaseDelay defers the release after commit and rollback, giving a
// replicated store time to propagate the claim. The repository is updated
// first and the delegate is released after it.
func WithReleaseDelay(delay time.Duration) IdempotentOption {
	return func(s *Idempotent) {
		s.releaseDelay = delay
	}
}

// WithReleaseScheduler runs deferred releases on scheduler. The caller
// owns the scheduler and closes it.
func WithReleaseScheduler(scheduler ReleaseScheduler) IdempotentOption {
	return func(s *Idempotent) {
		s.scheduler = scheduler
		s.explicit = true
	}
}

// WithAsyncRelease makes Start create a pool of poolSize workers for
// deferred releases. Stop waits up to shutdownTimeout for it to drain.
// It has no effect when WithReleaseScheduler is also given.
func WithAsyncRelease(poolSize int, shutdownTimeout time.Duration) IdempotentOption {
	return func(s *Idempotent) {
		if poolSize <= 0 {
			poolSize = 1
		}
		s.asyncPool = poolSize
		s.asyncWait = shutdownTimeout
	}
}

// NewIdempotent creates a repository-only idempotent strategy.
func NewIdempotent(ops readlock.Operations, repo idempotent.Repository, opts []Option, iopts ...IdempotentOption) *Idempotent {
	return newIdempotent(string(readlock.KindIdempotent), ops, repo, nil, opts, iopts)
}

// NewIdempotentRename creates an idempotent strategy delegating local
// acquisition to the rename round trip.
func NewIdempotentRename(ops readlock.Operations, repo idempotent.Repository, opts []Option, iopts ...IdempotentOption) *Idempotent {
	return newIdempotent(string(readlock.KindIdempotentRename), ops, repo, NewRename(ops, opts...), opts, iopts)
}

// NewIdempotentChanged creates an idempotent strategy delegating local
// acquisition to changed detection.
func NewIdempotentChanged(ops readlock.Operations, repo idempotent.Repository, opts []Option, iopts ...IdempotentOption) *Idempotent {
	return newIdempotent(string(readlock.KindIdempotentChanged), ops, repo, NewChanged(ops, opts...), opts, iopts)
}

func newIdempotent(name string, ops readlock.Operations, repo idempotent.Repository, delegate readlock.Strategy, opts []Option, iopts []IdempotentOption) *Idempotent {
	o := applyOptions(opts)
	s := &Idempotent{
		name:             name,
		ops:              ops,
		repo:             repo,
		delegate:         delegate,
		opts:             o,
		removeOnRollback: true,
		scheduler:        NewInlineScheduler(o.metrics),
	}
	for _, opt := range iopts {
		opt(s)
	}
	return s
}

// Name returns the configured kind.
func (s *Idempotent) Name() string {
	return s.name
}

// Delegate returns the wrapped local strategy, or nil.
func (s *Idempotent) Delegate() readlock.Strategy {
	return s.delegate
}

// Start checks the repository and creates the release pool if one is
// configured.
func (s *Idempotent) Start(ctx context.Context) error {
	if s.repo == nil {
		return readlock.ErrRepositoryNotConfigured
	}
	if l, ok := s.delegate.(readlock.Lifecycle); ok {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.asyncPool > 0 && !s.explicit && !s.owned {
		s.scheduler = NewAsyncScheduler(s.asyncPool, s.asyncWait,
			WithSchedulerLogger(s.opts.logger), WithSchedulerMetrics(s.opts.metrics))
		s.owned = true
	}
	return nil
}

// Stop drains the release pool if Start created one. Releases that arrive
// while it drains run inline.
func (s *Idempotent) Stop(ctx context.Context) error {
	var err error

	s.mu.Lock()
	var pool ReleaseScheduler
	if s.owned {
		pool = s.scheduler
		s.scheduler = NewInlineScheduler(s.opts.metrics)
		s.owned = false
	}
	s.mu.Unlock()

	if pool != nil {
		err = pool.Close(ctx)
	}
	if l, ok := s.delegate.(readlock.Lifecycle); ok {
		err = errors.Join(err, l.Stop(ctx))
	}
	return err
}

// PrepareOnStartup checks the repository and prepares the delegate.
func (s *Idempotent) PrepareOnStartup(ctx context.Context, dir string) error {
	if s.repo == nil {
		return readlock.ErrRepositoryNotConfigured
	}
	if s.delegate != nil {
		return s.delegate.PrepareOnStartup(ctx, dir)
	}
	return nil
}

// Acquire adds the file's key to the repository, then runs the delegate.
// A repository failure is logged and treated as "not acquired".
func (s *Idempotent) Acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	if a == nil {
		return false, readlock.ErrNilAttempt
	}
	if s.repo == nil {
		return false, readlock.ErrRepositoryNotConfigured
	}
	start := time.Now()
	a.Lock.StartedAt = start

	exists, err := s.ops.Exists(a.File.AbsolutePath)
	if err != nil {
		s.opts.skip(ctx, a, s.name, metrics.ReasonError, "Cannot check file. Will skip the file", "error", err)
		return false, nil
	}
	if !exists {
		s.opts.skip(ctx, a, s.name, metrics.ReasonVanished, "File no longer exists. Will skip the file")
		return false, nil
	}

	key, err := s.keyFor(a)
	if err != nil {
		s.opts.logger.WarnContext(ctx, "Cannot evaluate idempotent key", "file", a.File.AbsolutePath, "error", err)
		s.opts.skip(ctx, a, s.name, metrics.ReasonError, "Cannot compute idempotent key. Will skip the file", "error", err)
		return false, nil
	}

	added, err := s.repo.Add(ctx, key)
	if err != nil {
		s.opts.logger.WarnContext(ctx, "Idempotent repository add failed", "file", a.File.AbsolutePath, "key", key, "error", err)
		s.opts.skip(ctx, a, s.name, metrics.ReasonError, "Cannot claim idempotent key. Will skip the file", "key", key)
		return false, nil
	}
	if !added {
		s.opts.skip(ctx, a, s.name, metrics.ReasonClaimed, "Cannot acquire read lock. Already in progress or processed", "key", key)
		return false, nil
	}
	a.Lock.Key = key

	if s.delegate != nil {
		ok, err := s.delegate.Acquire(ctx, a)
		if err != nil || !ok {
			reason := a.Lock.Rejected
			s.compensate(ctx, a)
			if reason == "" {
				reason = metrics.ReasonError
			}
			s.opts.skip(ctx, a, s.name, reason, "Delegate read lock not acquired, removed idempotent key", "key", key, "error", err)
			return false, err
		}
	}

	a.Lock.StartedAt = start
	a.Lock.MarkAcquired(s.name)
	return true, nil
}

// compensate removes the key claimed by a failed acquire.
func (s *Idempotent) compensate(ctx context.Context, a *readlock.Attempt) {
	key := a.Lock.Key
	a.Lock.Key = ""
	if _, err := s.repo.Remove(context.WithoutCancel(ctx), key); err != nil {
		s.opts.logger.WarnContext(ctx, "Cannot remove idempotent key after failed acquire", "key", key, "error", err)
		s.opts.metrics.LockReleaseFailed(s.name)
	}
}

// ReleaseOnAbort removes the key and releases the delegate immediately:
// the file was not processed.
func (s *Idempotent) ReleaseOnAbort(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	release, _ := s.release(a, true, s.delegateAbort)
	release(ctx)
	return nil
}

// ReleaseOnRollback removes or confirms the key depending on
// WithRemoveOnRollback, then releases the delegate.
func (s *Idempotent) ReleaseOnRollback(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	return s.schedule(ctx, a, s.removeOnRollback, s.delegateRollback)
}

// ReleaseOnCommit removes or confirms the key depending on
// WithRemoveOnCommit, then releases the delegate.
func (s *Idempotent) ReleaseOnCommit(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return nil
	}
	return s.schedule(ctx, a, s.removeOnCommit, s.delegateCommit)
}

func (s *Idempotent) delegateAbort(ctx context.Context, a *readlock.Attempt) error {
	return s.delegate.ReleaseOnAbort(ctx, a)
}

func (s *Idempotent) delegateRollback(ctx context.Context, a *readlock.Attempt) error {
	return s.delegate.ReleaseOnRollback(ctx, a)
}

func (s *Idempotent) delegateCommit(ctx context.Context, a *readlock.Attempt) error {
	return s.delegate.ReleaseOnCommit(ctx, a)
}

// release takes the key from the attempt so that a second release leaves the
// repository alone. The returned function updates the repository and then
// releases the delegate. held reports whether the attempt had a key.
func (s *Idempotent) release(a *readlock.Attempt, remove bool, delegate func(context.Context, *readlock.Attempt) error) (fn ReleaseFunc, held bool) {
	if a.Lock.Strategy == s.name {
		a.Lock.MarkReleased()
	}
	key := a.Lock.Key
	a.Lock.Key = ""

	fn = func(ctx context.Context) {
		if key != "" {
			s.update(ctx, key, remove)
		}
		if s.delegate == nil {
			return
		}
		if err := delegate(ctx, a); err != nil {
			s.opts.logger.WarnContext(ctx, "Error releasing delegate read lock", "file", a.File.AbsolutePath, "error", err)
			s.opts.metrics.LockReleaseFailed(s.name)
		}
	}
	return fn, key != ""
}

// schedule releases a after the release delay. An attempt that holds no key
// has nothing to wait for and is released now.
func (s *Idempotent) schedule(ctx context.Context, a *readlock.Attempt, remove bool, delegate func(context.Context, *readlock.Attempt) error) error {
	fn, held := s.release(a, remove, delegate)
	if !held {
		fn(ctx)
		return nil
	}
	s.mu.Lock()
	scheduler := s.scheduler
	s.mu.Unlock()

	if err := scheduler.Schedule(ctx, s.releaseDelay, fn); err != nil {
		// scheduler closed during shutdown: release now rather than leak the key
		s.opts.logger.WarnContext(ctx, "Cannot schedule idempotent release, releasing now", "file", a.File.AbsolutePath, "error", err)
		fn(context.WithoutCancel(ctx))
	}
	return nil
}

// update removes or confirms key. Failures are logged and swallowed.
func (s *Idempotent) update(ctx context.Context, key string, remove bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if remove {
		_, err = s.repo.Remove(ctx, key)
	} else {
		_, err = s.repo.Confirm(ctx, key)
	}
	if err != nil {
		s.opts.logger.WarnContext(ctx, "Error updating idempotent repository", "key", key, "remove", remove, "error", err)
		s.opts.metrics.LockReleaseFailed(s.name)
	}
}

func (s *Idempotent) keyFor(a *readlock.Attempt) (string, error) {
	if s.key == nil {
		return a.File.AbsolutePath, nil
	}
	key, err := s.key.Evaluate(a)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("%w: idempotent key evaluated to empty string", readlock.ErrInvalidConfig)
	}
	return key, nil
}
