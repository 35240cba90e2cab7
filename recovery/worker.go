// Package recovery runs periodic maintenance for consumers sharing a
// directory or an idempotent repository: it frees claims and marker files
// left behind by consumers that crashed while holding them.
package recovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"readlock"
	"readlock/event"
	"readlock/strategy"
)

// ClaimPurger removes pending idempotent claims older than a threshold.
// The MySQL repository implements it; Redis claims expire through a TTL instead.
type ClaimPurger interface {
	DeletePendingOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Config holds the configuration for the recovery worker.
type Config struct {
	// Interval is the delay between sweeps.
	Interval time.Duration
	// StaleClaimAge is the age after which a pending claim is considered abandoned.
	StaleClaimAge time.Duration
	// StaleMarkerAge is the age after which a marker file is considered
	// abandoned. Zero disables the marker sweep.
	StaleMarkerAge time.Duration
	// Recursive walks sub directories during the marker sweep.
	Recursive bool
}

// DefaultConfig returns the default configuration for the recovery worker.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		StaleClaimAge: 10 * time.Minute,
	}
}

// Worker periodically purges stale idempotent claims and marker files.
type Worker struct {
	purger ClaimPurger
	ops    readlock.Operations
	dirs   []string
	events event.EventBus
	config Config
	logger *slog.Logger
	now    func() time.Time

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// WorkerOption is a function that configures the Worker.
type WorkerOption func(*Worker)

// WithClaimPurger sets the repository whose stale claims are purged.
func WithClaimPurger(p ClaimPurger) WorkerOption {
	return func(w *Worker) {
		w.purger = p
	}
}

// WithMarkerSweep sweeps stale marker files in dirs through ops.
func WithMarkerSweep(ops readlock.Operations, dirs ...string) WorkerOption {
	return func(w *Worker) {
		w.ops = ops
		w.dirs = dirs
	}
}

// WithEventBus sets the event bus for the worker.
func WithEventBus(e event.EventBus) WorkerOption {
	return func(w *Worker) {
		w.events = e
	}
}

// WithConfig sets the configuration for the worker.
func WithConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		w.config = cfg
	}
}

// WithLogger sets the logger for the worker.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithClock sets the time source used to age marker files.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker creates a new recovery worker with the given options.
func NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{
		config: DefaultConfig(),
		logger: slog.Default(),
		events: event.NewNoOpEventBus(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs sweeps in the background until Stop or ctx cancellation.
func (w *Worker) Start(ctx context.Context) error {
	if w.config.Interval <= 0 {
		return fmt.Errorf("%w: recovery interval must be positive", readlock.ErrInvalidConfig)
	}
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("recovery worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.InfoContext(ctx, "Recovery worker started",
		"interval", w.config.Interval,
		"stale_claim_age", w.config.StaleClaimAge,
		"stale_marker_age", w.config.StaleMarkerAge)
	return nil
}

// Stop stops the worker and waits for a running sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Recovery worker stopped")
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.SweepOnce(ctx)
	for {
		select {
		case <-ticker.C:
			w.SweepOnce(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce performs a single sweep synchronously.
func (w *Worker) SweepOnce(ctx context.Context) {
	w.statsMu.Lock()
	w.stats.Sweeps++
	w.statsMu.Unlock()

	if w.purger != nil && w.config.StaleClaimAge > 0 {
		w.purgeClaims(ctx)
	}
	if w.ops != nil && w.config.StaleMarkerAge > 0 {
		for _, dir := range w.dirs {
			w.sweepMarkers(ctx, dir)
		}
	}
}

func (w *Worker) purgeClaims(ctx context.Context) {
	n, err := w.purger.DeletePendingOlderThan(ctx, w.config.StaleClaimAge)
	if err != nil {
		w.logger.WarnContext(ctx, "Failed to purge stale claims", "error", err)
		w.incrementFailed()
		return
	}
	if n == 0 {
		return
	}

	w.statsMu.Lock()
	w.stats.ClaimsPurged += n
	w.statsMu.Unlock()

	w.logger.InfoContext(ctx, "Purged stale idempotent claims", "count", n, "older_than", w.config.StaleClaimAge)
	w.events.Publish(ctx, event.NewEvent(event.EventStaleClaimsPurged).
		WithData("count", n).
		WithData("older_than", w.config.StaleClaimAge.String()))
}

// sweepMarkers deletes marker files older than StaleMarkerAge. Markers of
// live consumers are younger than any sane threshold, so only markers of
// consumers that died mid-file are removed.
func (w *Worker) sweepMarkers(ctx context.Context, dir string) {
	root := filepath.Clean(dir)
	cutoff := w.now().Add(-w.config.StaleMarkerAge)

	err := w.ops.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			if filepath.Clean(path) != root && (!w.config.Recursive || strings.HasPrefix(info.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		// hidden names are never candidates, so neither are their markers
		name := info.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, strategy.LockFileSuffix) || !info.ModTime().Before(cutoff) {
			return nil
		}

		ok, derr := w.ops.DeleteFile(path)
		if derr != nil {
			w.logger.WarnContext(ctx, "Failed to delete stale lock file", "lock_file", path, "error", derr)
			return nil
		}
		if ok {
			w.statsMu.Lock()
			w.stats.MarkersDeleted++
			w.statsMu.Unlock()
			w.logger.InfoContext(ctx, "Deleted stale lock file", "lock_file", path, "modified", info.ModTime())
			w.events.Publish(ctx, event.NewEvent(event.EventOrphanDeleted).
				WithFile(strings.TrimSuffix(path, strategy.LockFileSuffix)).
				WithData("lock_file", path).
				WithData("stale", true))
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		w.logger.WarnContext(ctx, "Stale lock file sweep failed", "dir", dir, "error", err)
		w.incrementFailed()
	}
}

func (w *Worker) incrementFailed() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.Failures++
}

// Stats counts what the worker has done since it was created.
type Stats struct {
	Sweeps         int64
	ClaimsPurged   int64
	MarkersDeleted int64
	Failures       int64
	IsRunning      bool
}

// Stats returns the current statistics of the recovery worker.
func (w *Worker) Stats() Stats {
	w.statsMu.RLock()
	s := w.stats
	w.statsMu.RUnlock()
	s.IsRunning = w.IsRunning()
	return s
}
