// Package config loads readlock.Config from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"readlock"
)

// EnvPrefix prefixes environment overrides, e.g. READLOCK_TIMEOUT=5000.
const EnvPrefix = "READLOCK"

// DefaultName is the config file looked up when no path is given.
const DefaultName = "readlock"

// NewViper returns a viper instance with defaults, environment overrides
// and, if present, the config file. An explicit path must exist; without
// one, readlock.{yaml,toml,json} in the working directory is optional.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName(DefaultName)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates the configuration at path.
func Load(path string) (readlock.Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return readlock.Config{}, err
	}
	return Decode(v)
}

// Decode unmarshals v into a validated readlock.Config.
func Decode(v *viper.Viper) (readlock.Config, error) {
	cfg := readlock.DefaultConfig()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return readlock.Config{}, fmt.Errorf("%w: %w", readlock.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return readlock.Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every key with its default so that environment
// overrides are visible to Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := readlock.DefaultConfig()

	v.SetDefault("read_lock", string(d.ReadLock))
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("check_interval", d.CheckInterval)
	v.SetDefault("logging_level", string(d.LoggingLevel))

	v.SetDefault("marker_file", d.MarkerFile)
	v.SetDefault("delete_orphan_lock_files", d.DeleteOrphanLockFiles)
	v.SetDefault("recursive", d.Recursive)

	v.SetDefault("min_length", d.MinLength)
	v.SetDefault("min_age", d.MinAge)

	v.SetDefault("remove_on_rollback", d.RemoveOnRollback)
	v.SetDefault("remove_on_commit", d.RemoveOnCommit)
	v.SetDefault("idempotent_key", d.IdempotentKey)
	v.SetDefault("idempotent_release_delay", d.IdempotentReleaseDelay)
	v.SetDefault("idempotent_release_async", d.IdempotentReleaseAsync)
	v.SetDefault("idempotent_release_async_pool_size", d.IdempotentReleaseAsyncPoolSize)
	v.SetDefault("release_shutdown_timeout", d.ReleaseShutdownTimeout)

	v.SetDefault("noop", d.Noop)
	v.SetDefault("delete", d.Delete)
	v.SetDefault("move", d.Move)
	v.SetDefault("pre_move", d.PreMove)
	v.SetDefault("move_failed", d.MoveFailed)
	v.SetDefault("delete_retries", d.DeleteRetries)
	v.SetDefault("delete_retry_interval", d.DeleteRetryInterval)
}

// DecodeHook converts bare numbers to millisecond durations, accepts Go
// duration strings and normalizes logging levels.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		millisecondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		loggingLevelHook,
	)
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	levelType    = reflect.TypeOf(readlock.LoggingLevel(""))
)

func millisecondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch n := data.(type) {
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case uint64:
		return time.Duration(n) * time.Millisecond, nil
	case float64:
		return time.Duration(n * float64(time.Millisecond)), nil
	case string:
		if ms, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
	}
	return data, nil
}

func loggingLevelHook(from, to reflect.Type, data any) (any, error) {
	if to != levelType || from.Kind() != reflect.String {
		return data, nil
	}
	return strings.ToUpper(strings.TrimSpace(reflect.ValueOf(data).String())), nil
}
