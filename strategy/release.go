package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"readlock"
	"readlock/metrics"
)

// ReleaseFunc is a deferred idempotent release.
type ReleaseFunc func(ctx context.Context)

// ReleaseScheduler runs idempotent releases now or after a delay.
type ReleaseScheduler interface {
	// Schedule runs fn after delay. A zero delay runs fn before returning.
	Schedule(ctx context.Context, delay time.Duration, fn ReleaseFunc) error

	// Close stops accepting work and waits for pending releases.
	Close(ctx context.Context) error
}

// InlineScheduler runs releases on the calling goroutine, sleeping first
// when a delay is given. Cancelling ctx cuts the sleep short and runs the
// release immediately so a key is never left behind.
type InlineScheduler struct {
	metrics metrics.Metrics
}

// NewInlineScheduler creates an inline scheduler.
func NewInlineScheduler(m metrics.Metrics) *InlineScheduler {
	return &InlineScheduler{metrics: metrics.OrNoop(m)}
}

// Schedule sleeps for delay, then runs fn.
func (s *InlineScheduler) Schedule(ctx context.Context, delay time.Duration, fn ReleaseFunc) error {
	if delay > 0 {
		s.metrics.ReleaseScheduled(false)
		start := time.Now()
		sleep(ctx, delay)
		fn(context.WithoutCancel(ctx))
		s.metrics.ReleaseCompleted(time.Since(start))
		return nil
	}
	fn(ctx)
	return nil
}

// Close does nothing.
func (s *InlineScheduler) Close(ctx context.Context) error {
	return nil
}

// AsyncScheduler runs delayed releases on a bounded worker pool. Releases
// without a delay run inline. Close waits for scheduled releases, including
// ones whose delay has not elapsed, up to the shutdown timeout; whatever is
// still waiting after that is dropped and reported as ErrReleaseAbandoned.
type AsyncScheduler struct {
	pool            *pool.Pool
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
	pending sync.WaitGroup
}

// AsyncOption configures an AsyncScheduler
type AsyncOption func(*AsyncScheduler)

// WithSchedulerLogger sets the logger for release panics and shutdown.
func WithSchedulerLogger(logger *slog.Logger) AsyncOption {
	return func(s *AsyncScheduler) {
		s.logger = readlock.LoggerOrDefault(logger)
	}
}

// WithSchedulerMetrics sets the metrics collector.
func WithSchedulerMetrics(m metrics.Metrics) AsyncOption {
	return func(s *AsyncScheduler) {
		s.metrics = metrics.OrNoop(m)
	}
}

// NewAsyncScheduler creates a scheduler with at most poolSize concurrent releases.
func NewAsyncScheduler(poolSize int, shutdownTimeout time.Duration, opts ...AsyncOption) *AsyncScheduler {
	if poolSize <= 0 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncScheduler{
		pool:            pool.New().WithMaxGoroutines(poolSize),
		shutdownTimeout: shutdownTimeout,
		logger:          slog.Default(),
		metrics:         &metrics.NoopMetrics{},
		ctx:             ctx,
		cancel:          cancel,
		timers:          make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule runs fn on the pool after delay.
func (s *AsyncScheduler) Schedule(ctx context.Context, delay time.Duration, fn ReleaseFunc) error {
	if delay <= 0 {
		fn(ctx)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return readlock.ErrSchedulerClosed
	}

	s.pending.Add(1)
	s.metrics.ReleaseScheduled(true)
	scheduled := time.Now()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		s.pool.Go(func() {
			defer s.pending.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Idempotent release panicked", "panic", r)
				}
			}()
			fn(s.ctx)
			s.metrics.ReleaseCompleted(time.Since(scheduled))
		})
	})
	s.timers[timer] = struct{}{}
	return nil
}

// Close waits for pending releases up to the shutdown timeout or until ctx
// is done, whichever comes first.
func (s *AsyncScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		s.pool.Wait()
		close(done)
	}()

	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	abandoned := 0
	for timer := range s.timers {
		if timer.Stop() {
			abandoned++
			s.pending.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()
	s.cancel()

	s.logger.Warn("Release scheduler shut down with pending releases", "abandoned", abandoned)
	return fmt.Errorf("%w: %d not run", readlock.ErrReleaseAbandoned, abandoned)
}

// Pending returns the number of releases whose delay has not elapsed.
func (s *AsyncScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

var (
	_ ReleaseScheduler = (*InlineScheduler)(nil)
	_ ReleaseScheduler = (*AsyncScheduler)(nil)
)
