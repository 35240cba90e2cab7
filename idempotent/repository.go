// Package idempotent provides the idempotent repository contract used by the
// idempotent read lock strategies, and an in-memory implementation.
//
// A repository is a key dedup store. Whoever adds a key first owns the file;
// confirm marks the key processed so it is skipped forever, remove makes the
// file eligible again.
package idempotent

import (
	"context"
	"sync"
)

// Repository is an idempotent key store. Add must be atomic across all
// callers sharing the store for the cross-process exclusion guarantee to hold.
type Repository interface {
	// Add claims key. It returns false if the key is already present.
	Add(ctx context.Context, key string) (bool, error)

	// Contains reports whether key is present, claimed or confirmed.
	Contains(ctx context.Context, key string) (bool, error)

	// Remove deletes key. It returns false if the key was not present.
	Remove(ctx context.Context, key string) (bool, error)

	// Confirm marks key as processed. It returns false if the key was not present.
	Confirm(ctx context.Context, key string) (bool, error)

	// Clear removes every key.
	Clear(ctx context.Context) error
}

type state int

const (
	statePending state = iota
	stateConfirmed
)

// MemoryRepository is an in-process Repository. It shares state only
// between strategies holding the same instance.
type MemoryRepository struct {
	mu   sync.Mutex
	keys map[string]state
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[string]state)}
}

// Add claims key.
func (r *MemoryRepository) Add(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[key]; exists {
		return false, nil
	}
	r.keys[key] = statePending
	return true, nil
}

// Contains reports whether key is present.
func (r *MemoryRepository) Contains(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.keys[key]
	return exists, nil
}

// Remove deletes key.
func (r *MemoryRepository) Remove(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[key]; !exists {
		return false, nil
	}
	delete(r.keys, key)
	return true, nil
}

// Confirm marks key as processed.
func (r *MemoryRepository) Confirm(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[key]; !exists {
		return false, nil
	}
	r.keys[key] = stateConfirmed
	return true, nil
}

// Clear removes every key.
func (r *MemoryRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = make(map[string]state)
	return nil
}

// Confirmed reports whether key has been confirmed.
func (r *MemoryRepository) Confirmed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.keys[key]
	return ok && s == stateConfirmed
}

// Len returns the number of stored keys.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.keys)
}

// Ensure MemoryRepository implements Repository
var _ Repository = (*MemoryRepository)(nil)
