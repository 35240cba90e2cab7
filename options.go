package readlock

import (
	"fmt"
	"time"
)

// Kind names an exclusive read lock strategy.
type Kind string

const (
	KindNone              Kind = "none"
	KindMarkerFile        Kind = "markerFile"
	KindFileLock          Kind = "fileLock"
	KindRename            Kind = "rename"
	KindChanged           Kind = "changed"
	KindIdempotent        Kind = "idempotent"
	KindIdempotentChanged Kind = "idempotent-changed"
	KindIdempotentRename  Kind = "idempotent-rename"
)

// Kinds returns every recognized read lock kind.
func Kinds() []Kind {
	return []Kind{
		KindNone, KindMarkerFile, KindFileLock, KindRename, KindChanged,
		KindIdempotent, KindIdempotentChanged, KindIdempotentRename,
	}
}

// IsIdempotent reports whether the kind needs an idempotent repository.
func (k Kind) IsIdempotent() bool {
	return k == KindIdempotent || k == KindIdempotentChanged || k == KindIdempotentRename
}

func (k Kind) valid() bool {
	if k == "" || k == "false" {
		return true
	}
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Config holds the read lock and process strategy configuration.
type Config struct {
	// Read lock selection
	ReadLock Kind `mapstructure:"read_lock"` // Strategy kind, default none

	// Polling
	Timeout       time.Duration `mapstructure:"timeout"`        // Acquire budget, 0 waits forever, default 10s
	CheckInterval time.Duration `mapstructure:"check_interval"` // Delay between polls, default 1s
	LoggingLevel  LoggingLevel  `mapstructure:"logging_level"`  // Level for "could not acquire" messages, default DEBUG

	// Marker file
	MarkerFile            bool `mapstructure:"marker_file"`              // Use the marker file precondition, default true
	DeleteOrphanLockFiles bool `mapstructure:"delete_orphan_lock_files"` // Remove leftover sentinels at startup, default true
	Recursive             bool `mapstructure:"recursive"`                // Walk sub directories for orphans, default false

	// Changed detection
	MinLength int64         `mapstructure:"min_length"` // Minimum file length, default 1
	MinAge    time.Duration `mapstructure:"min_age"`    // Minimum time since the attempt started, default 0

	// Idempotent repository
	RemoveOnRollback               bool          `mapstructure:"remove_on_rollback"`                 // default true
	RemoveOnCommit                 bool          `mapstructure:"remove_on_commit"`                   // default false
	IdempotentKey                  string        `mapstructure:"idempotent_key"`                     // Key expression, default absolute path
	IdempotentReleaseDelay         time.Duration `mapstructure:"idempotent_release_delay"`           // default 0
	IdempotentReleaseAsync         bool          `mapstructure:"idempotent_release_async"`           // default false
	IdempotentReleaseAsyncPoolSize int           `mapstructure:"idempotent_release_async_pool_size"` // default 1
	ReleaseShutdownTimeout         time.Duration `mapstructure:"release_shutdown_timeout"`           // default 10s

	// Process strategy
	Noop                bool          `mapstructure:"noop"`                  // Leave files in place
	Delete              bool          `mapstructure:"delete"`                // Delete files on commit
	Move                string        `mapstructure:"move"`                  // Commit rename expression
	PreMove             string        `mapstructure:"pre_move"`              // Begin rename expression
	MoveFailed          string        `mapstructure:"move_failed"`           // Rollback rename expression
	DeleteRetries       int           `mapstructure:"delete_retries"`        // default 3
	DeleteRetryInterval time.Duration `mapstructure:"delete_retry_interval"` // default 1s
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ReadLock:                       KindNone,
		Timeout:                        10 * time.Second,
		CheckInterval:                  1 * time.Second,
		LoggingLevel:                   LevelDebug,
		MarkerFile:                     true,
		DeleteOrphanLockFiles:          true,
		MinLength:                      1,
		RemoveOnRollback:               true,
		IdempotentReleaseAsyncPoolSize: 1,
		ReleaseShutdownTimeout:         10 * time.Second,
		DeleteRetries:                  3,
		DeleteRetryInterval:            1 * time.Second,
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithReadLock sets the read lock kind.
func WithReadLock(kind Kind) Option {
	return func(c *Config) {
		c.ReadLock = kind
	}
}

// WithTimeout sets the acquire timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithCheckInterval sets the poll interval.
func WithCheckInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.CheckInterval = interval
	}
}

// WithLoggingLevel sets the level used for "could not acquire" messages.
func WithLoggingLevel(level LoggingLevel) Option {
	return func(c *Config) {
		c.LoggingLevel = level
	}
}

// WithMarkerFile toggles the marker file precondition.
func WithMarkerFile(enabled bool) Option {
	return func(c *Config) {
		c.MarkerFile = enabled
	}
}

// WithDeleteOrphanLockFiles toggles orphan sentinel cleanup at startup.
func WithDeleteOrphanLockFiles(enabled bool) Option {
	return func(c *Config) {
		c.DeleteOrphanLockFiles = enabled
	}
}

// WithMinLength sets the minimum length for changed detection.
func WithMinLength(n int64) Option {
	return func(c *Config) {
		c.MinLength = n
	}
}

// WithMinAge sets the minimum age for changed detection.
func WithMinAge(age time.Duration) Option {
	return func(c *Config) {
		c.MinAge = age
	}
}

// WithRemoveOnRollback sets whether rollback removes the idempotent key.
func WithRemoveOnRollback(remove bool) Option {
	return func(c *Config) {
		c.RemoveOnRollback = remove
	}
}

// WithRemoveOnCommit sets whether commit removes the idempotent key.
func WithRemoveOnCommit(remove bool) Option {
	return func(c *Config) {
		c.RemoveOnCommit = remove
	}
}

// WithIdempotentKey sets the key expression for idempotent read locks.
func WithIdempotentKey(expression string) Option {
	return func(c *Config) {
		c.IdempotentKey = expression
	}
}

// WithIdempotentRelease configures deferred release of idempotent keys.
func WithIdempotentRelease(delay time.Duration, async bool, poolSize int) Option {
	return func(c *Config) {
		c.IdempotentReleaseDelay = delay
		c.IdempotentReleaseAsync = async
		c.IdempotentReleaseAsyncPoolSize = poolSize
	}
}

// WithDelete sets delete-on-commit.
func WithDelete(enabled bool) Option {
	return func(c *Config) {
		c.Delete = enabled
	}
}

// WithNoop leaves files in place after processing.
func WithNoop(enabled bool) Option {
	return func(c *Config) {
		c.Noop = enabled
	}
}

// WithMove sets the begin, commit and failure rename expressions.
func WithMove(preMove, move, moveFailed string) Option {
	return func(c *Config) {
		c.PreMove = preMove
		c.Move = move
		c.MoveFailed = moveFailed
	}
}

// WithDeleteRetry sets the delete retry policy.
func WithDeleteRetry(retries int, interval time.Duration) Option {
	return func(c *Config) {
		c.DeleteRetries = retries
		c.DeleteRetryInterval = interval
	}
}

// WithConfig applies a complete Config, overriding all values.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies the given options to a default config and returns the result.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if !c.ReadLock.valid() {
		return fmt.Errorf("%w: unknown read lock %q", ErrInvalidConfig, c.ReadLock)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.CheckInterval < 0 {
		return fmt.Errorf("%w: check interval must not be negative", ErrInvalidConfig)
	}
	if c.Timeout > 0 && c.Timeout <= c.CheckInterval {
		return fmt.Errorf("%w: timeout %v must be higher than check interval %v", ErrInvalidConfig, c.Timeout, c.CheckInterval)
	}
	if _, ok := parseLoggingLevel(string(c.LoggingLevel)); !ok && c.LoggingLevel != "" {
		return fmt.Errorf("%w: unknown logging level %q", ErrInvalidConfig, c.LoggingLevel)
	}
	if c.MinLength < 0 {
		return fmt.Errorf("%w: min length must not be negative", ErrInvalidConfig)
	}
	if c.MinAge < 0 {
		return fmt.Errorf("%w: min age must not be negative", ErrInvalidConfig)
	}
	if c.IdempotentReleaseDelay < 0 {
		return fmt.Errorf("%w: release delay must not be negative", ErrInvalidConfig)
	}
	if c.IdempotentReleaseAsync && c.IdempotentReleaseAsyncPoolSize <= 0 {
		return fmt.Errorf("%w: async release pool size must be positive", ErrInvalidConfig)
	}
	if c.ReleaseShutdownTimeout < 0 {
		return fmt.Errorf("%w: release shutdown timeout must not be negative", ErrInvalidConfig)
	}
	if c.Noop && c.Delete {
		return fmt.Errorf("%w: noop and delete cannot both be set", ErrInvalidConfig)
	}
	if c.Delete && c.Move != "" {
		return fmt.Errorf("%w: delete and move cannot both be set", ErrInvalidConfig)
	}
	if c.DeleteRetries <= 0 {
		return fmt.Errorf("%w: delete retries must be positive", ErrInvalidConfig)
	}
	if c.DeleteRetryInterval < 0 {
		return fmt.Errorf("%w: delete retry interval must not be negative", ErrInvalidConfig)
	}
	return nil
}
