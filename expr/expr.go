// Package expr implements the ${...} placeholder language used for rename
// targets and idempotent keys.
//
// Supported placeholders:
//
//	${file:name}          path relative to the base directory
//	${file:name.noext}    relative path without extension
//	${file:name.ext}      extension without the dot
//	${file:onlyname}      file name without directory
//	${file:onlyname.noext}
//	${file:parent}        absolute parent directory
//	${file:absolute.path} absolute path
//	${file:length}        last observed length
//	${file:modified}      last modified time, RFC 3339
//	${date:now:LAYOUT}    current time formatted with a Go time layout
//	${id}                 attempt id
package expr

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"readlock"
)

// ErrInvalidExpression indicates an expression could not be parsed
var ErrInvalidExpression = errors.New("invalid expression")

// Expression is a parsed placeholder template.
type Expression struct {
	source string
	parts  []part
	now    func() time.Time
}

type part struct {
	literal string
	token   string
	isToken bool
}

// Option configures an Expression
type Option func(*Expression)

// WithClock sets the time source for ${date:now:...}.
func WithClock(now func() time.Time) Option {
	return func(e *Expression) {
		e.now = now
	}
}

// Parse parses source into an Expression.
func Parse(source string, opts ...Option) (*Expression, error) {
	e := &Expression{source: source, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	rest := source
	for rest != "" {
		start := strings.Index(rest, "${")
		if start < 0 {
			e.parts = append(e.parts, part{literal: rest})
			break
		}
		if start > 0 {
			e.parts = append(e.parts, part{literal: rest[:start]})
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated placeholder in %q", ErrInvalidExpression, source)
		}
		token := rest[start+2 : start+end]
		if !known(token) {
			return nil, fmt.Errorf("%w: unknown placeholder ${%s}", ErrInvalidExpression, token)
		}
		e.parts = append(e.parts, part{token: token, isToken: true})
		rest = rest[start+end+1:]
	}
	return e, nil
}

// MustParse is like Parse but panics on error.
func MustParse(source string, opts ...Option) *Expression {
	e, err := Parse(source, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// IsTemplate reports whether s contains a placeholder.
func IsTemplate(s string) bool {
	return strings.Contains(s, "${")
}

// String returns the source text.
func (e *Expression) String() string {
	return e.source
}

// Evaluate renders the expression for the attempt's current file.
func (e *Expression) Evaluate(a *readlock.Attempt) (string, error) {
	if a == nil || a.File == nil {
		return "", readlock.ErrNilAttempt
	}
	var b strings.Builder
	for _, p := range e.parts {
		if !p.isToken {
			b.WriteString(p.literal)
			continue
		}
		v, err := e.resolve(p.token, a)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func known(token string) bool {
	switch token {
	case "file:name", "file:name.noext", "file:name.ext", "file:onlyname", "file:onlyname.noext",
		"file:parent", "file:absolute.path", "file:length", "file:modified", "id":
		return true
	}
	return strings.HasPrefix(token, "date:now:") && len(token) > len("date:now:")
}

func (e *Expression) resolve(token string, a *readlock.Attempt) (string, error) {
	f := a.File
	switch token {
	case "file:name":
		return filepath.ToSlash(f.RelativePath), nil
	case "file:name.noext":
		return filepath.ToSlash(stripExt(f.RelativePath)), nil
	case "file:name.ext":
		return strings.TrimPrefix(filepath.Ext(f.RelativePath), "."), nil
	case "file:onlyname":
		return f.Name(), nil
	case "file:onlyname.noext":
		return stripExt(f.Name()), nil
	case "file:parent":
		return f.Parent(), nil
	case "file:absolute.path":
		return f.AbsolutePath, nil
	case "file:length":
		return strconv.FormatInt(f.Length, 10), nil
	case "file:modified":
		return f.LastModified.Format(time.RFC3339), nil
	case "id":
		return a.ID, nil
	}
	if layout, ok := strings.CutPrefix(token, "date:now:"); ok {
		return e.now().Format(layout), nil
	}
	return "", fmt.Errorf("%w: unknown placeholder ${%s}", ErrInvalidExpression, token)
}

func stripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Ensure Expression implements readlock.Expression
var _ readlock.Expression = (*Expression)(nil)
