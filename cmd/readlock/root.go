package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"readlock"
	"readlock/config"
	"readlock/event"
	"readlock/fileops"
	"readlock/idempotent"
	"readlock/idempotent/mysql"
	rlredis "readlock/idempotent/redis"
	"readlock/metrics"
	"readlock/strategy"
)

// app carries the state shared by every subcommand once flags and the
// config file have been resolved.
type app struct {
	v      *viper.Viper
	cfg    readlock.Config
	logger *slog.Logger
	ops    *fileops.Local
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"read-lock":          "read_lock",
	"timeout":            "timeout",
	"check-interval":     "check_interval",
	"logging-level":      "logging_level",
	"marker-file":        "marker_file",
	"min-length":         "min_length",
	"min-age":            "min_age",
	"idempotent-key":     "idempotent_key",
	"noop":               "noop",
	"delete":             "delete",
	"move":               "move",
	"pre-move":           "pre_move",
	"move-failed":        "move_failed",
	"recursive":          "recursive",
	"repository":         "repository",
	"redis-addr":         "redis.addr",
	"mysql-dsn":          "mysql.dsn",
	"mysql-table":        "mysql.table",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"delete-orphans":     "delete_orphan_lock_files",
	"release-delay":      "idempotent_release_delay",
	"remove-on-commit":   "remove_on_commit",
	"remove-on-rollback": "remove_on_rollback",
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "readlock",
		Short: "Exclusive read locks for files consumed from shared directories",
		Long: `readlock claims files before they are read so that concurrent consumers,
on one host or many, never process the same file twice.

Settings come from a config file (readlock.yaml by default), READLOCK_*
environment variables and flags, in increasing order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	defaults := readlock.DefaultConfig()
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default is ./readlock.yaml)")
	pf.String("read-lock", string(defaults.ReadLock), "read lock: none, markerFile, fileLock, rename, changed, idempotent, idempotent-rename, idempotent-changed")
	pf.Duration("timeout", defaults.Timeout, "how long to wait for a lock, 0 waits forever")
	pf.Duration("check-interval", defaults.CheckInterval, "delay between lock polls")
	pf.String("logging-level", string(defaults.LoggingLevel), "level of \"cannot acquire\" messages: TRACE, DEBUG, INFO, WARN, ERROR, OFF")
	pf.Bool("marker-file", defaults.MarkerFile, "claim files with a .camelLock marker first")
	pf.Int64("min-length", defaults.MinLength, "minimum file length for the changed read lock")
	pf.Duration("min-age", defaults.MinAge, "minimum attempt age for the changed read lock")
	pf.String("idempotent-key", "", "idempotent key expression, default is the absolute path")
	pf.Duration("release-delay", 0, "delay before idempotent keys are released")
	pf.Bool("remove-on-commit", defaults.RemoveOnCommit, "remove the idempotent key on commit instead of confirming it")
	pf.Bool("remove-on-rollback", defaults.RemoveOnRollback, "remove the idempotent key on rollback")
	pf.String("repository", "memory", "idempotent repository: memory, redis, mysql")
	pf.String("redis-addr", "localhost:6379", "redis address for the redis repository")
	pf.String("mysql-dsn", "", "MySQL DSN for the mysql repository")
	pf.String("mysql-table", mysql.DefaultTable, "table for the mysql repository")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text, json")

	root.AddCommand(newProbeCmd(a), newCleanCmd(a), newConsumeCmd(a))
	return root
}

// load resolves the configuration for cmd.
func (a *app) load(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(path)
	if err != nil {
		return err
	}
	v.SetDefault("repository", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mysql.table", mysql.DefaultTable)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), v.GetString("log.level"), v.GetString("log.format"))
	if err != nil {
		return err
	}

	a.v = v
	a.cfg = cfg
	a.logger = logger
	a.ops = fileops.NewLocal()
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", readlock.ErrInvalidConfig, level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("%w: log format %q", readlock.ErrInvalidConfig, format)
}

// openRepository connects the idempotent repository selected by the
// "repository" setting. It returns nil for non idempotent read locks.
func (a *app) openRepository(ctx context.Context) (idempotent.Repository, func(), error) {
	noop := func() {}
	if !a.cfg.ReadLock.IsIdempotent() {
		return nil, noop, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch kind := a.v.GetString("repository"); kind {
	case "memory":
		return idempotent.NewMemoryRepository(), noop, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.v.GetString("redis.addr")})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("%w: redis %s: %v", readlock.ErrRepositoryUnavailable, a.v.GetString("redis.addr"), err)
		}
		return rlredis.New(client), func() { client.Close() }, nil

	case "mysql":
		dsn := a.v.GetString("mysql.dsn")
		if dsn == "" {
			return nil, noop, fmt.Errorf("%w: mysql repository needs --mysql-dsn", readlock.ErrInvalidConfig)
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: %v", readlock.ErrInvalidConfig, err)
		}
		repo := mysql.New(db, mysql.WithTable(a.v.GetString("mysql.table")))
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		return repo, func() { db.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("%w: unknown repository %q", readlock.ErrInvalidConfig, kind)
	}
}

// newStrategy builds the configured read lock with its repository, which
// is nil unless the read lock is idempotent.
func (a *app) newStrategy(ctx context.Context, m metrics.Metrics, bus event.EventBus) (readlock.Strategy, idempotent.Repository, func(), error) {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := strategy.New(a.cfg, a.ops, repo,
		strategy.WithLogger(a.logger),
		strategy.WithMetrics(m),
		strategy.WithEventBus(bus),
	)
	if err != nil {
		closeRepo()
		return nil, nil, nil, err
	}
	return s, repo, closeRepo, nil
}
