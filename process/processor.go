// Package process implements the process strategies that run around each
// consumed file: begin claims the file, then exactly one of commit, rollback
// or abort finalizes it and releases the read lock.
package process

import (
	"context"
	"log/slog"
	"time"

	"readlock"
	"readlock/event"
	"readlock/metrics"
	"readlock/tracing"
)

// Policy names what commit does with a processed file.
type Policy string

const (
	PolicyNoop   Policy = "noop"
	PolicyDelete Policy = "delete"
	PolicyRename Policy = "rename"
)

// Release outcomes reported with lock.released events and metrics
const (
	OutcomeCommit   = "commit"
	OutcomeRollback = "rollback"
	OutcomeAbort    = "abort"
)

// Processor runs the begin, commit, rollback and abort phases for one
// consumer. It is safe for concurrent use on different attempts.
type Processor struct {
	policy Policy
	ops    readlock.Operations
	lock   readlock.Strategy

	begin   *Renamer
	commit  *Renamer
	failure *Renamer

	deleteRetries  int
	deleteInterval time.Duration

	logger  *slog.Logger
	metrics metrics.Metrics
	bus     event.EventBus
	tracer  tracing.Tracer
}

// Option configures a Processor
type Option func(*Processor)

// WithReadLock sets the exclusive read lock. Without one, begin always
// succeeds.
func WithReadLock(s readlock.Strategy) Option {
	return func(p *Processor) {
		p.lock = s
	}
}

// WithBeginRenamer moves the file when begin succeeds, before processing.
func WithBeginRenamer(r *Renamer) Option {
	return func(p *Processor) {
		p.begin = r
	}
}

// WithCommitRenamer sets the commit target for the rename policy.
func WithCommitRenamer(r *Renamer) Option {
	return func(p *Processor) {
		p.commit = r
	}
}

// WithFailureRenamer moves the file on rollback.
func WithFailureRenamer(r *Renamer) Option {
	return func(p *Processor) {
		p.failure = r
	}
}

// WithDeleteRetry sets how many delete attempts commit makes and the pause
// between them.
func WithDeleteRetry(attempts int, interval time.Duration) Option {
	return func(p *Processor) {
		if attempts <= 0 {
			attempts = 1
		}
		p.deleteRetries = attempts
		p.deleteInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = readlock.LoggerOrDefault(logger)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = metrics.OrNoop(m)
	}
}

// WithEventBus sets the bus receiving lock and file lifecycle events.
func WithEventBus(bus event.EventBus) Option {
	return func(p *Processor) {
		if bus == nil {
			bus = event.NewNoOpEventBus()
		}
		p.bus = bus
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracing.Tracer) Option {
	return func(p *Processor) {
		if t == nil {
			t = &tracing.NoopTracer{}
		}
		p.tracer = t
	}
}

func newProcessor(policy Policy, ops readlock.Operations, opts []Option) *Processor {
	cfg := readlock.DefaultConfig()
	p := &Processor{
		policy:         policy,
		ops:            ops,
		deleteRetries:  cfg.DeleteRetries,
		deleteInterval: cfg.DeleteRetryInterval,
		logger:         slog.Default(),
		metrics:        &metrics.NoopMetrics{},
		bus:            event.NewNoOpEventBus(),
		tracer:         &tracing.NoopTracer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewNoOp creates a processor that leaves files where they are.
func NewNoOp(ops readlock.Operations, opts ...Option) *Processor {
	return newProcessor(PolicyNoop, ops, opts)
}

// NewDelete creates a processor that deletes files on commit.
func NewDelete(ops readlock.Operations, opts ...Option) *Processor {
	return newProcessor(PolicyDelete, ops, opts)
}

// NewRename creates a processor that moves files on commit. Without a
// commit renamer files go to a ".camel" directory beside them.
func NewRename(ops readlock.Operations, opts ...Option) *Processor {
	p := newProcessor(PolicyRename, ops, opts)
	if p.commit == nil {
		p.commit = DefaultCommitRenamer()
	}
	return p
}

// Policy returns the commit policy.
func (p *Processor) Policy() Policy {
	return p.policy
}

// ReadLock returns the read lock strategy, or nil.
func (p *Processor) ReadLock() readlock.Strategy {
	return p.lock
}

// Start starts the read lock if it has a lifecycle.
func (p *Processor) Start(ctx context.Context) error {
	if l, ok := p.lock.(readlock.Lifecycle); ok {
		return l.Start(ctx)
	}
	return nil
}

// Stop stops the read lock if it has a lifecycle.
func (p *Processor) Stop(ctx context.Context) error {
	if l, ok := p.lock.(readlock.Lifecycle); ok {
		return l.Stop(ctx)
	}
	return nil
}

// PrepareOnStartup runs the read lock's startup hook for dir.
func (p *Processor) PrepareOnStartup(ctx context.Context, dir string) error {
	if p.lock == nil {
		return nil
	}
	return p.lock.PrepareOnStartup(ctx, dir)
}

// Begin acquires the read lock and runs the begin renamer. When it returns
// false the caller must skip the file and call nothing else for the attempt.
func (p *Processor) Begin(ctx context.Context, a *readlock.Attempt) (ok bool, err error) {
	if a == nil {
		return false, readlock.ErrNilAttempt
	}
	ctx, span := p.tracer.StartPhase(ctx, tracing.PhaseBegin, a)
	defer func() {
		span.Fail(err)
		span.End()
	}()

	if p.lock != nil {
		acquired, err := p.acquire(ctx, a)
		if err != nil || !acquired {
			return false, err
		}
	}

	if p.begin != nil {
		if err := p.renameFile(ctx, a, p.begin); err != nil {
			p.logger.WarnContext(ctx, "Cannot move file on begin, aborting", "file", a.File.AbsolutePath, "error", err)
			p.releaseLock(ctx, a, OutcomeAbort)
			return false, err
		}
	}
	return true, nil
}

func (p *Processor) acquire(ctx context.Context, a *readlock.Attempt) (bool, error) {
	name := readlock.NameOf(p.lock)
	ctx, span := p.tracer.StartAcquire(ctx, name, a)
	defer span.End()

	ok, err := p.lock.Acquire(ctx, a)
	if err != nil {
		span.Fail(err)
		return false, err
	}
	if !ok {
		reason := a.Lock.Rejected
		span.Rejected(reason)
		p.metrics.LockRejected(name, reason)
		p.publish(ctx, event.NewEvent(event.EventLockRejected).
			WithAttemptID(a.ID).
			WithFile(a.File.AbsolutePath).
			WithStrategy(name).
			WithData("reason", reason))
		return false, nil
	}

	wait := time.Since(a.Lock.StartedAt)
	span.Acquired(wait)
	p.metrics.LockAcquired(name, wait)
	p.publish(ctx, event.NewEvent(event.EventLockAcquired).
		WithAttemptID(a.ID).
		WithFile(a.File.AbsolutePath).
		WithStrategy(name).
		WithData("wait", wait))
	return true, nil
}

// Commit finalizes a successfully processed file according to the policy.
// The read lock is released after the delete or rename, except for native
// file locks, which are released first because an open locked handle can
// block deletion. It is released on every path.
func (p *Processor) Commit(ctx context.Context, a *readlock.Attempt) (err error) {
	if a == nil {
		return readlock.ErrNilAttempt
	}
	start := time.Now()
	ctx, span := p.tracer.StartPhase(ctx, tracing.PhaseCommit, a)
	defer span.End()

	eager := p.releaseEager()
	if !eager {
		defer p.releaseLock(ctx, a, OutcomeCommit)
	}

	p.releaseLocal(ctx, a)
	if eager {
		p.releaseLock(ctx, a, OutcomeCommit)
	}

	switch p.policy {
	case PolicyDelete:
		err = p.deleteFile(ctx, a)
	case PolicyRename:
		err = p.renameFile(ctx, a, p.commit)
	}

	if err != nil {
		span.Fail(err)
		return err
	}
	span.Finalized(string(p.policy))
	p.metrics.FileCommitted(string(p.policy), time.Since(start))
	p.publish(ctx, event.NewEvent(event.EventFileCommitted).
		WithAttemptID(a.ID).
		WithFile(a.File.AbsolutePath).
		WithData("policy", string(p.policy)))
	return nil
}

// Rollback finalizes a file whose processing failed. The failure renamer,
// if any, works on a copy of the attempt so the caller's binding is kept.
// The read lock is always released.
func (p *Processor) Rollback(ctx context.Context, a *readlock.Attempt) (err error) {
	if a == nil {
		return readlock.ErrNilAttempt
	}
	ctx, span := p.tracer.StartPhase(ctx, tracing.PhaseRollback, a)
	defer span.End()
	defer p.releaseLock(ctx, a, OutcomeRollback)

	p.releaseLocal(ctx, a)

	target := a.File.AbsolutePath
	if p.failure != nil {
		failed := a.Clone()
		if err = p.renameFile(ctx, failed, p.failure); err != nil {
			span.Fail(err)
			return err
		}
		target = failed.File.AbsolutePath
	}

	p.metrics.FileRolledBack(string(p.policy))
	p.publish(ctx, event.NewEvent(event.EventFileRolledBack).
		WithAttemptID(a.ID).
		WithFile(a.File.AbsolutePath).
		WithError(a.Err).
		WithData("target", target))
	return nil
}

// Abort releases everything held for an attempt that will not be retried
// here, without moving or deleting the file.
func (p *Processor) Abort(ctx context.Context, a *readlock.Attempt) error {
	if a == nil {
		return readlock.ErrNilAttempt
	}
	ctx, span := p.tracer.StartPhase(ctx, tracing.PhaseAbort, a)
	defer span.End()

	p.releaseLocal(ctx, a)
	p.releaseLock(ctx, a, OutcomeAbort)

	p.metrics.FileAborted(string(p.policy))
	p.publish(ctx, event.NewEvent(event.EventFileAborted).
		WithAttemptID(a.ID).
		WithFile(a.File.AbsolutePath).
		WithError(a.Err))
	return nil
}

// releaseEager reports whether the lock must be released before commit
// touches the file.
func (p *Processor) releaseEager() bool {
	return p.lock != nil && readlock.NameOf(p.lock) == string(readlock.KindFileLock)
}

// releaseLocal removes the local work copy and closes retrieved handles.
// Failures are logged.
func (p *Processor) releaseLocal(ctx context.Context, a *readlock.Attempt) {
	if a.LocalWorkFile != "" {
		if _, err := p.ops.DeleteFile(a.LocalWorkFile); err != nil {
			p.logger.WarnContext(ctx, "Cannot delete local work file", "file", a.LocalWorkFile, "error", err)
		}
		a.LocalWorkFile = ""
	}
	if err := p.ops.ReleaseRetrievedFileResources(a); err != nil {
		p.logger.WarnContext(ctx, "Cannot release retrieved file resources", "file", a.File.AbsolutePath, "error", err)
	}
}

// releaseLock runs the release hook for outcome. Release errors never mask
// the outcome of processing; they are logged and counted.
func (p *Processor) releaseLock(ctx context.Context, a *readlock.Attempt, outcome string) {
	if p.lock == nil || !a.Lock.Held() {
		return
	}
	name := readlock.NameOf(p.lock)

	var err error
	switch outcome {
	case OutcomeCommit:
		err = p.lock.ReleaseOnCommit(ctx, a)
	case OutcomeRollback:
		err = p.lock.ReleaseOnRollback(ctx, a)
	default:
		err = p.lock.ReleaseOnAbort(ctx, a)
	}
	if err != nil {
		p.logger.WarnContext(ctx, "Error releasing read lock", "file", a.File.AbsolutePath,
			"strategy", name, "outcome", outcome, "error", err)
		p.metrics.LockReleaseFailed(name)
	}

	p.metrics.LockReleased(name, outcome)
	p.publish(ctx, event.NewEvent(event.EventLockReleased).
		WithAttemptID(a.ID).
		WithFile(a.File.AbsolutePath).
		WithStrategy(name).
		WithError(err).
		WithData("outcome", outcome))
}

func (p *Processor) publish(ctx context.Context, e event.Event) {
	if err := p.bus.Publish(ctx, e); err != nil {
		p.logger.DebugContext(ctx, "Cannot publish event", "event", e.Type, "error", err)
	}
}
