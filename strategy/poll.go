package strategy

import (
	"context"
	"time"

	"readlock/metrics"
)

// minPollInterval keeps a zero check interval from spinning.
const minPollInterval = time.Millisecond

type pollResult int

const (
	pollAcquired pollResult = iota
	pollTimeout
	pollInterrupted
	pollAbandoned
)

// reason maps a failed poll to a metrics rejection reason.
func (r pollResult) reason() string {
	switch r {
	case pollTimeout:
		return metrics.ReasonTimeout
	case pollInterrupted:
		return metrics.ReasonInterrupted
	case pollAbandoned:
		return metrics.ReasonVanished
	default:
		return ""
	}
}

// probe is one acquisition try. It returns done when the lock is held and
// abandon when retrying is pointless, e.g. the file is gone.
type probe func() (done, abandon bool)

// poller runs probes on the calling goroutine until one succeeds, the
// timeout elapses or ctx is cancelled. A timeout of zero waits forever.
// The sleep before the last probe is clamped to the remaining budget, so
// a timed out poll returns after at least timeout but before timeout plus
// one interval.
type poller struct {
	timeout  time.Duration
	interval time.Duration
}

func (p poller) poll(ctx context.Context, try probe) pollResult {
	start := time.Now()
	for {
		if ctx.Err() != nil {
			return pollInterrupted
		}

		done, abandon := try()
		if done {
			return pollAcquired
		}
		if abandon {
			return pollAbandoned
		}

		wait := p.interval
		if p.timeout > 0 {
			elapsed := time.Since(start)
			if elapsed >= p.timeout {
				return pollTimeout
			}
			if remaining := p.timeout - elapsed; remaining < wait {
				wait = remaining
			}
		}
		if wait < minPollInterval {
			wait = minPollInterval
		}

		if !sleep(ctx, wait) {
			return pollInterrupted
		}
	}
}

// sleep waits for d. It returns false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
