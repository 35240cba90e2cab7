package process

import (
	"readlock"
)

// New builds the processor selected by cfg: noop, delete, or rename (the
// default, moving committed files to cfg.Move or DefaultMoveDir). PreMove
// and MoveFailed apply to every policy.
func New(cfg readlock.Config, ops readlock.Operations, lock readlock.Strategy, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	all := []Option{
		WithReadLock(lock),
		WithDeleteRetry(cfg.DeleteRetries, cfg.DeleteRetryInterval),
	}
	if cfg.PreMove != "" {
		r, err := NewRenamer(cfg.PreMove)
		if err != nil {
			return nil, err
		}
		all = append(all, WithBeginRenamer(r))
	}
	if cfg.MoveFailed != "" {
		r, err := NewRenamer(cfg.MoveFailed)
		if err != nil {
			return nil, err
		}
		all = append(all, WithFailureRenamer(r))
	}
	all = append(all, opts...)

	switch {
	case cfg.Noop:
		return NewNoOp(ops, all...), nil
	case cfg.Delete:
		return NewDelete(ops, all...), nil
	}

	if cfg.Move != "" {
		r, err := NewRenamer(cfg.Move)
		if err != nil {
			return nil, err
		}
		all = append([]Option{WithCommitRenamer(r)}, all...)
	}
	return NewRename(ops, all...), nil
}
