package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"readlock"
	"readlock/event"
	"readlock/metrics"
)

var errNotAcquired = errors.New("read lock not acquired")

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe FILE",
		Short: "Try to acquire the configured read lock on a file, then release it",
		Long: `Probe acquires the configured read lock on FILE exactly as a consumer
would and releases it again without touching the file. It exits non-zero
when the lock cannot be acquired within the timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.probe(cmd, args[0])
		},
	}
}

func (a *app) probe(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	lock, _, closeRepo, err := a.newStrategy(ctx, &metrics.NoopMetrics{}, event.NewNoOpEventBus())
	if err != nil {
		return err
	}
	defer closeRepo()
	if lock == nil {
		return fmt.Errorf("%w: probe needs a read lock, got %q", readlock.ErrInvalidConfig, a.cfg.ReadLock)
	}

	if lc, ok := lock.(readlock.Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			return err
		}
		defer lc.Stop(context.WithoutCancel(ctx))
	}

	f, err := readlock.NewFile(filepath.Dir(abs), abs)
	if err != nil {
		return err
	}
	if err := f.Refresh(a.ops); err != nil {
		return err
	}
	attempt := readlock.NewAttempt(f)

	start := time.Now()
	ok, err := lock.Acquire(ctx, attempt)
	if err != nil {
		return err
	}
	name := readlock.NameOf(lock)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: not acquired by %s (%s)\n", abs, name, attempt.Lock.Rejected)
		return fmt.Errorf("%w: %s", errNotAcquired, attempt.Lock.Rejected)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: acquired by %s in %s\n", abs, name, time.Since(start).Round(time.Millisecond))
	return lock.ReleaseOnAbort(ctx, attempt)
}
