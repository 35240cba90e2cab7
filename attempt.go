package readlock

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// Attempt is one processing attempt of one file. It carries the file
// binding and the lock state from begin through commit, rollback or abort.
type Attempt struct {
	// ID uniquely identifies the attempt
	ID string
	// File is the file currently bound to the attempt. Begin-time renames rebind it.
	File *File
	// Original is the file as discovered by the consumer
	Original *File
	// CreatedAt is when the attempt was created
	CreatedAt time.Time
	// Err is the processing failure, if any
	Err error
	// LocalWorkFile is a local copy of the file that is removed on commit and rollback
	LocalWorkFile string
	// Body is a retrieved resource handle released on commit, rollback and abort
	Body io.Closer
	// Lock is the read lock state for this attempt
	Lock LockState
}

// NewAttempt creates an attempt for file.
func NewAttempt(file *File) *Attempt {
	return &Attempt{
		ID:        uuid.New().String(),
		File:      file,
		Original:  file.Copy(),
		CreatedAt: time.Now(),
	}
}

// Clone returns a copy of the attempt bound to a copy of the current file.
// The lock state is shared by value; callers must not release it twice.
func (a *Attempt) Clone() *Attempt {
	cp := *a
	if a.File != nil {
		cp.File = a.File.Copy()
	}
	return &cp
}

// LockState records what a read lock strategy holds for one attempt.
// Each strategy clears only the fields it set, so release hooks are
// safe to call when nothing is held.
type LockState struct {
	// Acquired is true between a successful acquire and its release
	Acquired bool
	// Strategy names the outermost strategy that acquired the lock
	Strategy string
	// StartedAt is when acquisition began
	StartedAt time.Time
	// MarkerFile is the sentinel path created by the marker file strategy
	MarkerFile string
	// Handle is the open descriptor holding a native advisory lock
	Handle *os.File
	// Key is the idempotent repository key claimed for the file
	Key string
	// Rejected is the reason the last acquire returned false
	Rejected string
}

// MarkAcquired records a successful acquisition by strategy.
func (s *LockState) MarkAcquired(strategy string) {
	s.Acquired = true
	s.Strategy = strategy
	s.Rejected = ""
}

// MarkRejected records why an acquire returned false.
func (s *LockState) MarkRejected(reason string) {
	s.Acquired = false
	s.Rejected = reason
}

// MarkReleased clears the acquired flag. Handle fields are left to their owners.
func (s *LockState) MarkReleased() {
	s.Acquired = false
	s.Strategy = ""
}

// Held reports whether any lock resource is still recorded.
func (s *LockState) Held() bool {
	return s.Acquired || s.MarkerFile != "" || s.Handle != nil || s.Key != ""
}
