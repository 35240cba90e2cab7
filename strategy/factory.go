package strategy

import (
	"fmt"

	"readlock"
	"readlock/expr"
	"readlock/idempotent"
)

// New builds the read lock strategy selected by cfg.ReadLock. It returns a
// nil strategy for "none", "false" and the empty kind. repo is required for
// the idempotent kinds; it is checked when the strategy starts.
//
// opts are applied after the settings from cfg.
func New(cfg readlock.Config, ops readlock.Operations, repo idempotent.Repository, opts ...Option) (readlock.Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	all := append([]Option{FromConfig(cfg)}, opts...)

	switch cfg.ReadLock {
	case "", "false", readlock.KindNone:
		return nil, nil
	case readlock.KindMarkerFile:
		return NewMarkerFile(ops, all...), nil
	case readlock.KindRename:
		return NewRename(ops, all...), nil
	case readlock.KindFileLock:
		return NewFileLock(ops, all...), nil
	case readlock.KindChanged:
		return NewChanged(ops, all...), nil
	}

	iopts, err := idempotentOptions(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.ReadLock {
	case readlock.KindIdempotent:
		return NewIdempotent(ops, repo, all, iopts...), nil
	case readlock.KindIdempotentRename:
		return NewIdempotentRename(ops, repo, all, iopts...), nil
	case readlock.KindIdempotentChanged:
		return NewIdempotentChanged(ops, repo, all, iopts...), nil
	}
	return nil, fmt.Errorf("%w: unknown read lock %q", readlock.ErrInvalidConfig, cfg.ReadLock)
}

func idempotentOptions(cfg readlock.Config) ([]IdempotentOption, error) {
	iopts := []IdempotentOption{
		WithRemoveOnRollback(cfg.RemoveOnRollback),
		WithRemoveOnCommit(cfg.RemoveOnCommit),
		WithReleaseDelay(cfg.IdempotentReleaseDelay),
	}
	if cfg.IdempotentKey != "" {
		key, err := expr.Parse(cfg.IdempotentKey)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotent key: %w", readlock.ErrInvalidConfig, err)
		}
		iopts = append(iopts, WithIdempotentKey(key))
	}
	if cfg.IdempotentReleaseAsync {
		iopts = append(iopts, WithAsyncRelease(cfg.IdempotentReleaseAsyncPoolSize, cfg.ReleaseShutdownTimeout))
	}
	return iopts, nil
}
