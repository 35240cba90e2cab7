package process

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"readlock"
	"readlock/expr"
	"readlock/tracing"
)

// DefaultMoveDir is where the rename policy puts committed files when no
// commit target is configured.
const DefaultMoveDir = ".camel"

// Renamer computes the target of a file move from an expression over the
// attempt. A relative target is resolved against the consumer's base
// directory.
type Renamer struct {
	expr readlock.Expression
	src  string
}

// NewRenamer parses expression. A value without placeholders names a
// directory beside the file: "done" means "${file:parent}/done/${file:onlyname}".
func NewRenamer(expression string) (*Renamer, error) {
	src := expression
	if !expr.IsTemplate(src) {
		dir := strings.TrimRight(filepath.ToSlash(src), "/")
		if dir == "" {
			return nil, fmt.Errorf("%w: empty rename target", readlock.ErrInvalidConfig)
		}
		if strings.HasPrefix(dir, "/") {
			src = dir + "/${file:onlyname}"
		} else {
			src = "${file:parent}/" + dir + "/${file:onlyname}"
		}
	}
	e, err := expr.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: rename target %q: %w", readlock.ErrInvalidConfig, expression, err)
	}
	return &Renamer{expr: e, src: src}, nil
}

// NewRenamerFromExpression wraps an already built expression.
func NewRenamerFromExpression(e readlock.Expression) *Renamer {
	src := ""
	if s, ok := e.(fmt.Stringer); ok {
		src = s.String()
	}
	return &Renamer{expr: e, src: src}
}

// DefaultCommitRenamer moves files into DefaultMoveDir beside them.
func DefaultCommitRenamer() *Renamer {
	r, _ := NewRenamer(DefaultMoveDir)
	return r
}

// String returns the expanded expression.
func (r *Renamer) String() string {
	return r.src
}

// Rename returns a copy of the attempt's file pointing at the target.
func (r *Renamer) Rename(a *readlock.Attempt) (*readlock.File, error) {
	target, err := r.expr.Evaluate(a)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, fmt.Errorf("%w: %q evaluated to an empty path", readlock.ErrRenameFailed, r.src)
	}
	to := a.File.Copy()
	to.ChangeFileName(target)
	return to, nil
}

// renameFile moves the attempt's file to the renamer's target and binds
// the attempt to the new location. An existing target is replaced.
func (p *Processor) renameFile(ctx context.Context, a *readlock.Attempt, r *Renamer) error {
	to, err := r.Rename(a)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", readlock.ErrRenameFailed, a.File.AbsolutePath, err)
	}
	from := a.File.AbsolutePath
	if to.AbsolutePath == from {
		return nil
	}

	exists, err := p.ops.Exists(to.AbsolutePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", readlock.ErrRenameFailed, to.AbsolutePath, err)
	}
	if exists {
		if ok, err := p.ops.DeleteFile(to.AbsolutePath); !ok {
			return fmt.Errorf("%w: cannot delete existing target %s: %v", readlock.ErrRenameFailed, to.AbsolutePath, err)
		}
	}
	if err := p.ops.BuildDirectory(to.Parent()); err != nil {
		return fmt.Errorf("%w: %s: %w", readlock.ErrRenameFailed, to.Parent(), err)
	}

	p.logger.DebugContext(ctx, "Renaming file", "from", from, "to", to.AbsolutePath)
	ok, err := p.ops.RenameFile(from, to.AbsolutePath)
	if !ok {
		return fmt.Errorf("%w: %s to %s: %v", readlock.ErrRenameFailed, from, to.AbsolutePath, err)
	}

	tracing.FileMoved(ctx, from, to.AbsolutePath)
	to.Exists = true
	a.File = to
	return nil
}
