package readlock

import (
	"context"
	"log/slog"
	"strings"
)

// LoggingLevel is the operator-configurable level for read lock messages.
type LoggingLevel string

// Logging levels supported for read lock messages
const (
	LevelTrace LoggingLevel = "TRACE"
	LevelDebug LoggingLevel = "DEBUG"
	LevelInfo  LoggingLevel = "INFO"
	LevelWarn  LoggingLevel = "WARN"
	LevelError LoggingLevel = "ERROR"
	LevelOff   LoggingLevel = "OFF"
)

// slogLevelTrace sits below slog.LevelDebug; slog has no trace level.
const slogLevelTrace = slog.LevelDebug - 4

// ParseLoggingLevel converts a string level to a LoggingLevel.
// Returns LevelDebug if the level string is not recognized.
func ParseLoggingLevel(level string) LoggingLevel {
	if l, ok := parseLoggingLevel(level); ok {
		return l
	}
	return LevelDebug
}

func parseLoggingLevel(level string) (LoggingLevel, bool) {
	switch LoggingLevel(strings.ToUpper(level)) {
	case LevelTrace:
		return LevelTrace, true
	case LevelDebug:
		return LevelDebug, true
	case LevelInfo:
		return LevelInfo, true
	case LevelWarn, "WARNING":
		return LevelWarn, true
	case LevelError:
		return LevelError, true
	case LevelOff:
		return LevelOff, true
	default:
		return "", false
	}
}

// SlogLevel maps the level to slog. The second result is false for OFF.
func (l LoggingLevel) SlogLevel() (slog.Level, bool) {
	switch ParseLoggingLevel(string(l)) {
	case LevelTrace:
		return slogLevelTrace, true
	case LevelInfo:
		return slog.LevelInfo, true
	case LevelWarn:
		return slog.LevelWarn, true
	case LevelError:
		return slog.LevelError, true
	case LevelOff:
		return 0, false
	default:
		return slog.LevelDebug, true
	}
}

// Log writes msg to logger at this level. OFF and a nil logger discard the message.
func (l LoggingLevel) Log(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	level, ok := l.SlogLevel()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Log(ctx, level, msg, args...)
}

// LoggerOrDefault returns logger, or slog.Default() when logger is nil.
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
