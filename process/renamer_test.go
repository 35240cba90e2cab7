package process

import (
	"errors"
	"testing"

	"readlock"
)

func TestNewRenamer(t *testing.T) {
	tests := []struct {
		name string
		expr string
		file string
		want string
	}{
		{"directory shorthand", "done", "sub/a.txt", "/in/sub/done/a.txt"},
		{"hidden directory", ".camel", "a.txt", "/in/.camel/a.txt"},
		{"trailing slash", "done/", "a.txt", "/in/done/a.txt"},
		{"absolute directory", "/archive", "a.txt", "/archive/a.txt"},
		{"relative template", "backup/${file:name}.bak", "sub/a.txt", "/in/backup/sub/a.txt.bak"},
		{"absolute template", "/out/${file:onlyname.noext}.done", "sub/a.txt", "/out/a.done"},
		{"parent template", "${file:parent}/${file:onlyname}.old", "a.txt", "/in/a.txt.old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRenamer(tt.expr)
			if err != nil {
				t.Fatalf("NewRenamer: %v", err)
			}
			to, err := r.Rename(newAttempt(t, "/in", tt.file))
			if err != nil {
				t.Fatalf("Rename: %v", err)
			}
			if to.AbsolutePath != tt.want {
				t.Errorf("target = %s, want %s", to.AbsolutePath, tt.want)
			}
		})
	}
}

func TestNewRenamer_Invalid(t *testing.T) {
	for _, expr := range []string{"", "/", "${file:nope}", "${file:name"} {
		if _, err := NewRenamer(expr); !errors.Is(err, readlock.ErrInvalidConfig) {
			t.Errorf("NewRenamer(%q) err = %v, want ErrInvalidConfig", expr, err)
		}
	}
}

func TestRenamer_DoesNotMutateAttempt(t *testing.T) {
	r, _ := NewRenamer("done")
	a := newAttempt(t, "/in", "a.txt")
	if _, err := r.Rename(a); err != nil {
		t.Fatal(err)
	}
	if a.File.AbsolutePath != "/in/a.txt" {
		t.Errorf("attempt rebound to %s", a.File.AbsolutePath)
	}
}

func TestDefaultCommitRenamer(t *testing.T) {
	r := DefaultCommitRenamer()
	if r.String() != "${file:parent}/.camel/${file:onlyname}" {
		t.Errorf("default = %s", r.String())
	}
}
