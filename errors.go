package readlock

import "errors"

// Config errors
var (
	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Lock errors
var (
	// ErrRepositoryNotConfigured indicates an idempotent read lock was started without a repository
	ErrRepositoryNotConfigured = errors.New("idempotent repository not configured")

	// ErrRepositoryUnavailable indicates the idempotent repository could not be reached
	ErrRepositoryUnavailable = errors.New("idempotent repository unavailable")

	// ErrNotStarted indicates a strategy was used before Start was called
	ErrNotStarted = errors.New("strategy not started")

	// ErrUnsupported indicates the platform does not support the requested lock
	ErrUnsupported = errors.New("read lock not supported on this platform")

	// ErrNilAttempt indicates a lock call was made without an attempt
	ErrNilAttempt = errors.New("attempt is nil")
)

// File operation errors
var (
	// ErrOperationFailed indicates a general file operation failure
	ErrOperationFailed = errors.New("file operation failed")

	// ErrDeleteFailed indicates a file could not be deleted after all retries
	ErrDeleteFailed = errors.New("cannot delete file")

	// ErrRenameFailed indicates a file could not be renamed
	ErrRenameFailed = errors.New("cannot rename file")
)

// Scheduler errors
var (
	// ErrSchedulerClosed indicates a release was scheduled after the scheduler was closed
	ErrSchedulerClosed = errors.New("release scheduler closed")

	// ErrReleaseAbandoned indicates pending releases were dropped at shutdown
	ErrReleaseAbandoned = errors.New("pending releases abandoned at shutdown")
)
