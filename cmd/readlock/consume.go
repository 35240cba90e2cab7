package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"readlock"
	"readlock/admin"
	"readlock/event"
	"readlock/fileops"
	"readlock/metrics"
	rlprom "readlock/metrics/prometheus"
	"readlock/process"
	"readlock/recovery"
	"readlock/strategy"
	"readlock/tracing"
)

func newConsumeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume DIR",
		Short: "Poll a directory and process each file under the configured read lock",
		Long: `Consume polls DIR, claims every file with the configured read lock and
reads it. Committed files are moved to .camel/ beside them unless --noop,
--delete or --move says otherwise; files that fail are rolled back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.consume(cmd, args[0])
		},
	}
	f := cmd.Flags()
	f.Bool("recursive", false, "poll sub directories")
	f.Bool("delete-orphans", true, "delete orphaned marker files at startup")
	f.Duration("poll-interval", time.Second, "delay between directory scans")
	f.Int("workers", 1, "files processed concurrently")
	f.Bool("once", false, "scan once and exit")
	f.String("metrics-addr", "", "serve /metrics and /api/events on this address")
	f.Duration("stale-claim-age", 0, "purge pending idempotent claims older than this, 0 disables")
	f.Duration("stale-marker-age", 0, "delete marker files older than this while running, 0 disables")
	return cmd
}

func (a *app) consume(cmd *cobra.Command, dir string) error {
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	workers, _ := cmd.Flags().GetInt("workers")
	once, _ := cmd.Flags().GetBool("once")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	staleClaimAge, _ := cmd.Flags().GetDuration("stale-claim-age")
	staleMarkerAge, _ := cmd.Flags().GetDuration("stale-marker-age")
	if workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", readlock.ErrInvalidConfig)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewMemoryEventBus(event.WithLogger(a.logger))
	var m metrics.Metrics = &metrics.NoopMetrics{}
	var srv *admin.Server

	c := &consumer{
		dir:       abs,
		ops:       a.ops,
		logger:    a.logger,
		workers:   workers,
		recursive: a.cfg.Recursive,
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = rlprom.New(rlprom.Config{Namespace: "readlock", Registry: reg})
		store := admin.NewEventStore(1000)
		bus.SubscribeAll(store.EventHandler())
		started := time.Now()
		srv = admin.NewServer(
			admin.WithAddr(metricsAddr),
			admin.WithGatherer(reg),
			admin.WithEventStore(store),
			admin.WithStatus(func() admin.Status {
				return admin.Status{
					Directory: abs,
					ReadLock:  readlock.NameOf(c.proc.ReadLock()),
					Policy:    string(c.proc.Policy()),
					StartedAt: started,
					Polls:     c.polls.Load(),
				}
			}),
		)
	}

	lock, repo, closeRepo, err := a.newStrategy(ctx, m, bus)
	if err != nil {
		return err
	}
	defer closeRepo()

	proc, err := process.New(a.cfg, a.ops, lock,
		process.WithLogger(a.logger),
		process.WithMetrics(m),
		process.WithEventBus(bus),
		process.WithTracer(tracing.NewOTelTracer(tracing.DefaultConfig())),
	)
	if err != nil {
		return err
	}
	c.proc = proc

	if err := proc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ReleaseShutdownTimeout+time.Second)
		defer cancel()
		if err := proc.Stop(stopCtx); err != nil {
			a.logger.Warn("Error stopping read lock", "error", err)
		}
	}()
	if err := proc.PrepareOnStartup(ctx, abs); err != nil {
		return err
	}

	if staleClaimAge > 0 || staleMarkerAge > 0 {
		opts := []recovery.WorkerOption{
			recovery.WithLogger(a.logger),
			recovery.WithEventBus(bus),
			recovery.WithMarkerSweep(a.ops, abs),
			recovery.WithConfig(recovery.Config{
				Interval:       max(pollInterval, 10*time.Second),
				StaleClaimAge:  staleClaimAge,
				StaleMarkerAge: staleMarkerAge,
				Recursive:      a.cfg.Recursive,
			}),
		}
		if purger, ok := repo.(recovery.ClaimPurger); ok {
			opts = append(opts, recovery.WithClaimPurger(purger))
		} else if staleClaimAge > 0 {
			a.logger.Warn("Repository cannot purge stale claims", "read_lock", a.cfg.ReadLock)
		}
		worker := recovery.NewWorker(opts...)
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()
	}

	if srv != nil {
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Error("Admin server failed", "addr", metricsAddr, "error", err)
			}
		}()
		defer srv.Stop(context.WithoutCancel(ctx))
	}

	a.logger.Info("Consuming", "dir", abs, "read_lock", readlock.NameOf(lock), "policy", proc.Policy())
	if once {
		n, err := c.poll(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "%d files processed\n", n)
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := c.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Poll failed", "dir", abs, "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("Stopping consumer", "dir", abs)
			return nil
		case <-ticker.C:
		}
	}
}

// consumer scans one directory and drives each file through the process
// strategy.
type consumer struct {
	dir       string
	ops       *fileops.Local
	proc      *process.Processor
	logger    *slog.Logger
	workers   int
	recursive bool

	polls atomic.Int64
}

// poll processes every candidate file once and returns how many were committed.
func (c *consumer) poll(ctx context.Context) (int, error) {
	c.polls.Add(1)
	files, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}

	var committed atomic.Int64
	p := pool.New().WithMaxGoroutines(c.workers)
	for _, path := range files {
		p.Go(func() {
			if c.processFile(ctx, path) {
				committed.Add(1)
			}
		})
	}
	p.Wait()
	return int(committed.Load()), ctx.Err()
}

// scan lists the files a consumer should pick up. Hidden entries and lock
// sentinels are never candidates.
func (c *consumer) scan(ctx context.Context) ([]string, error) {
	var files []string
	err := c.ops.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := info.Name()
		if info.IsDir() {
			if path == c.dir {
				return nil
			}
			if !c.recursive || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, strategy.LockFileSuffix) ||
			strings.HasSuffix(name, strategy.RenameSuffix) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// processFile runs begin, read and commit or rollback for one file.
func (c *consumer) processFile(ctx context.Context, path string) bool {
	f, err := readlock.NewFile(c.dir, path)
	if err != nil {
		c.logger.ErrorContext(ctx, "Bad file path", "file", path, "error", err)
		return false
	}
	if err := f.Refresh(c.ops); err != nil || !f.Exists {
		return false
	}
	a := readlock.NewAttempt(f)

	ok, err := c.proc.Begin(ctx, a)
	if err != nil {
		c.logger.ErrorContext(ctx, "Cannot begin processing", "file", path, "error", err)
		return false
	}
	if !ok {
		return false
	}

	if ctx.Err() != nil {
		c.proc.Abort(context.WithoutCancel(ctx), a)
		return false
	}

	size, sum, err := c.read(a)
	if err != nil {
		a.Err = err
		c.logger.WarnContext(ctx, "Processing failed", "file", a.File.AbsolutePath, "error", err)
		if rerr := c.proc.Rollback(ctx, a); rerr != nil {
			c.logger.ErrorContext(ctx, "Rollback failed", "file", a.File.AbsolutePath, "error", rerr)
		}
		return false
	}

	c.logger.InfoContext(ctx, "Processed file", "file", a.File.AbsolutePath, "bytes", size, "sha256", sum)
	if err := c.proc.Commit(ctx, a); err != nil {
		c.logger.ErrorContext(ctx, "Commit failed", "file", a.File.AbsolutePath, "error", err)
		return false
	}
	return true
}

// read streams the file body through a digest. The body stays on the
// attempt so that commit or rollback closes it.
func (c *consumer) read(a *readlock.Attempt) (int64, string, error) {
	body, err := c.ops.Open(a.File.AbsolutePath)
	if err != nil {
		return 0, "", err
	}
	a.Body = body

	h := sha256.New()
	n, err := io.Copy(h, body)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
