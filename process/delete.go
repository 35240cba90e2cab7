package process

import (
	"context"
	"fmt"
	"time"

	"readlock"
)

// deleteFile deletes the attempt's file, retrying when the delete reports
// failure. Some platforms report a failed delete for a file that is gone,
// so a failed attempt is followed by an existence check. It returns
// ErrDeleteFailed if the file is still present after the last attempt.
func (p *Processor) deleteFile(ctx context.Context, a *readlock.Attempt) error {
	path := a.File.AbsolutePath
	var lastErr error

	for attempt := 1; attempt <= p.deleteRetries; attempt++ {
		ok, err := p.ops.DeleteFile(path)
		if ok {
			return nil
		}
		lastErr = err

		exists, err := p.ops.Exists(path)
		if err == nil && !exists {
			return nil
		}
		if attempt == p.deleteRetries {
			break
		}

		p.metrics.DeleteRetried()
		p.logger.DebugContext(ctx, "Cannot delete file, will retry",
			"file", path, "attempt", attempt, "interval", p.deleteInterval, "error", lastErr)
		if !sleep(ctx, p.deleteInterval) {
			lastErr = ctx.Err()
			break
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %s: %w", readlock.ErrDeleteFailed, path, lastErr)
	}
	return fmt.Errorf("%w: %s", readlock.ErrDeleteFailed, path)
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
