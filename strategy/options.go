// Package strategy implements the exclusive read lock strategies: marker
// file, rename probe, native file lock, changed detection and the
// idempotent repository backed variants.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"readlock"
	"readlock/event"
	"readlock/metrics"
)

// options are shared by every strategy in this package.
type options struct {
	timeout       time.Duration
	checkInterval time.Duration
	level         readlock.LoggingLevel
	logger        *slog.Logger
	metrics       metrics.Metrics
	bus           event.EventBus

	markerFile    bool
	deleteOrphans bool
	recursive     bool

	minLength int64
	minAge    time.Duration
}

func defaultOptions() options {
	cfg := readlock.DefaultConfig()
	return options{
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		level:         cfg.LoggingLevel,
		logger:        slog.Default(),
		metrics:       &metrics.NoopMetrics{},
		bus:           event.NewNoOpEventBus(),
		markerFile:    cfg.MarkerFile,
		deleteOrphans: cfg.DeleteOrphanLockFiles,
		recursive:     cfg.Recursive,
		minLength:     cfg.MinLength,
		minAge:        cfg.MinAge,
	}
}

// Option is a functional option shared by the strategies
type Option func(*options)

// WithTimeout sets the acquire timeout. Zero waits forever.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithCheckInterval sets the delay between polls.
func WithCheckInterval(interval time.Duration) Option {
	return func(o *options) {
		o.checkInterval = interval
	}
}

// WithLoggingLevel sets the level of "could not acquire" messages.
func WithLoggingLevel(level readlock.LoggingLevel) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = readlock.LoggerOrDefault(logger)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics.OrNoop(m)
	}
}

// WithEventBus sets the bus that receives orphan cleanup events.
func WithEventBus(bus event.EventBus) Option {
	return func(o *options) {
		if bus == nil {
			bus = event.NewNoOpEventBus()
		}
		o.bus = bus
	}
}

// WithMarkerFile toggles the marker file precondition.
func WithMarkerFile(enabled bool) Option {
	return func(o *options) {
		o.markerFile = enabled
	}
}

// WithDeleteOrphanLockFiles toggles sentinel cleanup in PrepareOnStartup.
func WithDeleteOrphanLockFiles(enabled bool) Option {
	return func(o *options) {
		o.deleteOrphans = enabled
	}
}

// WithRecursive makes orphan cleanup descend into sub directories.
func WithRecursive(enabled bool) Option {
	return func(o *options) {
		o.recursive = enabled
	}
}

// WithMinLength sets the minimum length for changed detection.
func WithMinLength(n int64) Option {
	return func(o *options) {
		o.minLength = n
	}
}

// WithMinAge sets the minimum age for changed detection.
func WithMinAge(age time.Duration) Option {
	return func(o *options) {
		o.minAge = age
	}
}

// FromConfig applies the read lock settings of cfg.
func FromConfig(cfg readlock.Config) Option {
	return func(o *options) {
		o.timeout = cfg.Timeout
		o.checkInterval = cfg.CheckInterval
		o.level = readlock.ParseLoggingLevel(string(cfg.LoggingLevel))
		o.markerFile = cfg.MarkerFile
		o.deleteOrphans = cfg.DeleteOrphanLockFiles
		o.recursive = cfg.Recursive
		o.minLength = cfg.MinLength
		o.minAge = cfg.MinAge
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) poller() poller {
	return poller{timeout: o.timeout, interval: o.checkInterval}
}

// skip logs a "could not acquire" message at the configured level and
// records the reason on the attempt.
func (o *options) skip(ctx context.Context, a *readlock.Attempt, strategy, reason, msg string, args ...any) {
	a.Lock.MarkRejected(reason)
	args = append(args, "file", a.File.AbsolutePath, "strategy", strategy, "reason", reason)
	o.level.Log(ctx, o.logger, msg, args...)
}
