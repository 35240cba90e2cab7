package readlock

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// statOnly implements the Stat part of Operations over the real file system.
type statOnly struct {
	Operations
}

func (statOnly) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func TestNewFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantAbs string
		wantRel string
	}{
		{"relative", "inbox/a.txt", filepath.Join(dir, "inbox", "a.txt"), filepath.Join("inbox", "a.txt")},
		{"absolute", filepath.Join(dir, "b.txt"), filepath.Join(dir, "b.txt"), "b.txt"},
		{"outside base", "/elsewhere/c.txt", "/elsewhere/c.txt", "/elsewhere/c.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFile(dir, tt.path)
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			if f.AbsolutePath != tt.wantAbs {
				t.Errorf("AbsolutePath = %q, want %q", f.AbsolutePath, tt.wantAbs)
			}
			if f.RelativePath != tt.wantRel {
				t.Errorf("RelativePath = %q, want %q", f.RelativePath, tt.wantRel)
			}
		})
	}
}

func TestFile_Refresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, _ := NewFile(dir, "data.csv")
	if err := f.Refresh(statOnly{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !f.Exists || f.Length != 5 || f.LastModified.IsZero() {
		t.Errorf("unexpected state after refresh: %+v", f)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := f.Refresh(statOnly{}); err != nil {
		t.Fatalf("Refresh of missing file should not fail: %v", err)
	}
	if f.Exists {
		t.Error("expected Exists=false after removal")
	}
}

func TestFile_ChangeFileName(t *testing.T) {
	f, _ := NewFile("/data", "in/report.txt")

	f.ChangeFileName("done/report.txt")
	if f.AbsolutePath != "/data/done/report.txt" {
		t.Errorf("relative rename resolved to %q", f.AbsolutePath)
	}
	if f.RelativePath != "done/report.txt" {
		t.Errorf("RelativePath = %q", f.RelativePath)
	}

	f.ChangeFileName("/archive/report.txt")
	if f.AbsolutePath != "/archive/report.txt" {
		t.Errorf("absolute rename resolved to %q", f.AbsolutePath)
	}
	if f.Name() != "report.txt" || f.Parent() != "/archive" {
		t.Errorf("Name/Parent = %q/%q", f.Name(), f.Parent())
	}
}

func TestAttempt_Clone(t *testing.T) {
	f, _ := NewFile("/data", "a.txt")
	a := NewAttempt(f)
	if a.ID == "" {
		t.Fatal("expected attempt ID")
	}

	cp := a.Clone()
	cp.File.ChangeFileName("b.txt")
	if a.File.Name() != "a.txt" {
		t.Errorf("clone mutated original file: %q", a.File.Name())
	}
	if a.Original.Name() != "a.txt" {
		t.Errorf("Original = %q", a.Original.Name())
	}
}

func TestLockState(t *testing.T) {
	var s LockState
	if s.Held() {
		t.Fatal("zero state should not be held")
	}

	s.MarkAcquired("markerFile")
	s.MarkerFile = "/data/a.txt.camelLock"
	if !s.Held() || s.Strategy != "markerFile" {
		t.Fatalf("unexpected state: %+v", s)
	}

	s.MarkReleased()
	if !s.Held() {
		t.Error("marker path still recorded, state should be held")
	}
	s.MarkerFile = ""
	if s.Held() {
		t.Error("expected state to be released")
	}
}

func TestLoggingLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slogLevelTrace}))
	ctx := context.Background()

	LevelInfo.Log(ctx, logger, "info message")
	LevelOff.Log(ctx, logger, "hidden message")
	LevelTrace.Log(ctx, logger, "trace message")
	LevelWarn.Log(ctx, nil, "no logger")

	out := buf.String()
	if !strings.Contains(out, "info message") {
		t.Error("expected info message")
	}
	if strings.Contains(out, "hidden message") {
		t.Error("OFF level should discard")
	}
	if !strings.Contains(out, "trace message") {
		t.Error("expected trace message")
	}

	if got := ParseLoggingLevel("warning"); got != LevelWarn {
		t.Errorf("ParseLoggingLevel(warning) = %q", got)
	}
	if got := ParseLoggingLevel("nonsense"); got != LevelDebug {
		t.Errorf("ParseLoggingLevel(nonsense) = %q", got)
	}
	if LoggerOrDefault(nil) != slog.Default() {
		t.Error("expected default logger")
	}
}
