package process

import (
	"context"
	"errors"
	"testing"

	"readlock"
)

func TestNew(t *testing.T) {
	ops, _ := newMemOps(t)

	tests := []struct {
		name string
		opts []readlock.Option
		want Policy
	}{
		{"default renames", nil, PolicyRename},
		{"noop", []readlock.Option{readlock.WithNoop(true)}, PolicyNoop},
		{"delete", []readlock.Option{readlock.WithDelete(true)}, PolicyDelete},
		{"move", []readlock.Option{readlock.WithMove("", "done", "")}, PolicyRename},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(readlock.ApplyOptions(tt.opts...), ops, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Policy() != tt.want {
				t.Errorf("policy = %s, want %s", p.Policy(), tt.want)
			}
			if p.ReadLock() != nil {
				t.Error("no read lock expected")
			}
		})
	}
}

func TestNew_Renamers(t *testing.T) {
	ops, fsys := newMemOps(t, "/in/a.txt")
	cfg := readlock.ApplyOptions(readlock.WithMove(".inprogress", "done", ".error"))
	p, err := New(cfg, ops, nil, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a := newAttempt(t, "/in", "a.txt")
	if ok, err := p.Begin(ctx, a); !ok || err != nil {
		t.Fatalf("begin: ok=%v err=%v", ok, err)
	}
	assertExists(t, fsys, "/in/.inprogress/a.txt", true)

	if err := p.Commit(ctx, a); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assertExists(t, fsys, "/in/.inprogress/done/a.txt", true)
}

func TestNew_Invalid(t *testing.T) {
	ops, _ := newMemOps(t)

	tests := []struct {
		name string
		opts []readlock.Option
	}{
		{"noop and delete", []readlock.Option{readlock.WithNoop(true), readlock.WithDelete(true)}},
		{"delete and move", []readlock.Option{readlock.WithDelete(true), readlock.WithMove("", "done", "")}},
		{"bad move", []readlock.Option{readlock.WithMove("", "${file:bogus}", "")}},
		{"bad pre move", []readlock.Option{readlock.WithMove("${oops", "", "")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(readlock.ApplyOptions(tt.opts...), ops, nil); !errors.Is(err, readlock.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
