// Package metrics provides the metrics interface for read locks and process strategies.
package metrics

import (
	"time"
)

// Rejection reasons reported by LockRejected
const (
	ReasonContended   = "contended"
	ReasonTimeout     = "timeout"
	ReasonVanished    = "vanished"
	ReasonInterrupted = "interrupted"
	ReasonClaimed     = "claimed"
	ReasonError       = "error"
)

// Metrics defines the interface for collecting observability metrics.
// Implementations can use Prometheus, StatsD, or other metrics backends.
type Metrics interface {
	// Read lock metrics
	LockAcquired(strategy string, wait time.Duration)
	LockRejected(strategy, reason string)
	LockReleased(strategy, outcome string)
	LockReleaseFailed(strategy string)

	// Deferred release metrics
	ReleaseScheduled(async bool)
	ReleaseCompleted(delay time.Duration)

	// Process metrics
	FileCommitted(policy string, duration time.Duration)
	FileRolledBack(policy string)
	FileAborted(policy string)
	DeleteRetried()

	// Startup metrics
	OrphansDeleted(count int)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) LockAcquired(strategy string, wait time.Duration)    {}
func (n *NoopMetrics) LockRejected(strategy, reason string)                {}
func (n *NoopMetrics) LockReleased(strategy, outcome string)               {}
func (n *NoopMetrics) LockReleaseFailed(strategy string)                   {}
func (n *NoopMetrics) ReleaseScheduled(async bool)                         {}
func (n *NoopMetrics) ReleaseCompleted(delay time.Duration)                {}
func (n *NoopMetrics) FileCommitted(policy string, duration time.Duration) {}
func (n *NoopMetrics) FileRolledBack(policy string)                        {}
func (n *NoopMetrics) FileAborted(policy string)                           {}
func (n *NoopMetrics) DeleteRetried()                                      {}
func (n *NoopMetrics) OrphansDeleted(count int)                            {}

// OrNoop returns m, or a NoopMetrics when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}
