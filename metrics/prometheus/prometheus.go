// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"readlock/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Read lock metrics
	lockAcquiredTotal      *prometheus.CounterVec
	lockRejectedTotal      *prometheus.CounterVec
	lockReleasedTotal      *prometheus.CounterVec
	lockReleaseFailedTotal *prometheus.CounterVec
	lockWaitDuration       *prometheus.HistogramVec

	// Deferred release metrics
	releaseScheduledTotal *prometheus.CounterVec
	releasePending        prometheus.Gauge
	releaseDelay          prometheus.Histogram

	// Process metrics
	fileCommittedTotal  *prometheus.CounterVec
	fileRolledBackTotal *prometheus.CounterVec
	fileAbortedTotal    *prometheus.CounterVec
	commitDuration      *prometheus.HistogramVec
	deleteRetriedTotal  prometheus.Counter

	// Startup metrics
	orphansDeletedTotal prometheus.Counter
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "readlock")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "readlock",
		Subsystem: "",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &PrometheusMetrics{
		lockAcquiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquired_total",
			Help:      "Total number of read locks acquired",
		}, []string{"strategy"}),

		lockRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_rejected_total",
			Help:      "Total number of read lock attempts that did not acquire",
		}, []string{"strategy", "reason"}),

		lockReleasedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_released_total",
			Help:      "Total number of read locks released",
		}, []string{"strategy", "outcome"}),

		lockReleaseFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_release_failed_total",
			Help:      "Total number of read lock releases that failed",
		}, []string{"strategy"}),

		lockWaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_wait_duration_seconds",
			Help:      "Time spent polling before a read lock was acquired",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		}, []string{"strategy"}),

		releaseScheduledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "release_scheduled_total",
			Help:      "Total number of deferred idempotent releases scheduled",
		}, []string{"async"}),

		releasePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "release_pending",
			Help:      "Deferred idempotent releases scheduled but not yet run",
		}),

		releaseDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "release_delay_seconds",
			Help:      "Time from scheduling to running a deferred release",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),

		fileCommittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "file_committed_total",
			Help:      "Total number of files committed",
		}, []string{"policy"}),

		fileRolledBackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "file_rolled_back_total",
			Help:      "Total number of files rolled back",
		}, []string{"policy"}),

		fileAbortedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "file_aborted_total",
			Help:      "Total number of files aborted",
		}, []string{"policy"}),

		commitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "commit_duration_seconds",
			Help:      "Commit duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"policy"}),

		deleteRetriedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "delete_retried_total",
			Help:      "Total number of delete retries on commit",
		}),

		orphansDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orphan_lock_files_deleted_total",
			Help:      "Total number of orphan lock files deleted at startup",
		}),
	}
}

// Read lock metrics

func (p *PrometheusMetrics) LockAcquired(strategy string, wait time.Duration) {
	p.lockAcquiredTotal.WithLabelValues(strategy).Inc()
	p.lockWaitDuration.WithLabelValues(strategy).Observe(wait.Seconds())
}

func (p *PrometheusMetrics) LockRejected(strategy, reason string) {
	p.lockRejectedTotal.WithLabelValues(strategy, reason).Inc()
}

func (p *PrometheusMetrics) LockReleased(strategy, outcome string) {
	p.lockReleasedTotal.WithLabelValues(strategy, outcome).Inc()
}

func (p *PrometheusMetrics) LockReleaseFailed(strategy string) {
	p.lockReleaseFailedTotal.WithLabelValues(strategy).Inc()
}

// Deferred release metrics

func (p *PrometheusMetrics) ReleaseScheduled(async bool) {
	p.releaseScheduledTotal.WithLabelValues(strconv.FormatBool(async)).Inc()
	p.releasePending.Inc()
}

func (p *PrometheusMetrics) ReleaseCompleted(delay time.Duration) {
	p.releasePending.Dec()
	p.releaseDelay.Observe(delay.Seconds())
}

// Process metrics

func (p *PrometheusMetrics) FileCommitted(policy string, duration time.Duration) {
	p.fileCommittedTotal.WithLabelValues(policy).Inc()
	p.commitDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) FileRolledBack(policy string) {
	p.fileRolledBackTotal.WithLabelValues(policy).Inc()
}

func (p *PrometheusMetrics) FileAborted(policy string) {
	p.fileAbortedTotal.WithLabelValues(policy).Inc()
}

func (p *PrometheusMetrics) DeleteRetried() {
	p.deleteRetriedTotal.Inc()
}

// Startup metrics

func (p *PrometheusMetrics) OrphansDeleted(count int) {
	p.orphansDeletedTotal.Add(float64(count))
}
