// Package admin serves recent lock and file events and metrics over HTTP
// for a running consumer.
package admin

import (
	"context"
	"slices"
	"sync"
	"time"

	"readlock/event"
)

// EventStore keeps the most recent events in memory. Once maxEvents is
// reached the oldest event is dropped.
type EventStore struct {
	events    []StoredEvent
	maxEvents int
	mu        sync.RWMutex
	nextID    int64
}

// StoredEvent is the JSON form of an event.
type StoredEvent struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	AttemptID string         `json:"attempt_id,omitempty"`
	File      string         `json:"file,omitempty"`
	Strategy  string         `json:"strategy,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Type   string
	File   string
	Limit  int
	Offset int
}

func (f EventFilter) match(e StoredEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return f.File == "" || e.File == f.File
}

// NewEventStore creates an event store holding at most maxEvents (default 1000).
func NewEventStore(maxEvents int) *EventStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &EventStore{
		events:    make([]StoredEvent, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Store records e.
func (s *EventStore) Store(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := StoredEvent{
		ID:        s.nextID,
		Type:      string(e.Type),
		AttemptID: e.AttemptID,
		File:      e.File,
		Strategy:  e.Strategy,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	}
	if e.Error != nil {
		stored.Error = e.Error.Error()
	}

	s.events = append(s.events, stored)
	if excess := len(s.events) - s.maxEvents; excess > 0 {
		s.events = s.events[excess:]
	}
}

// List returns matching events, newest first.
func (s *EventStore) List(filter EventFilter) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var filtered []StoredEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if filter.match(s.events[i]) {
			filtered = append(filtered, s.events[i])
		}
	}

	if filter.Offset >= len(filtered) {
		return []StoredEvent{}
	}
	end := min(filter.Offset+filter.Limit, len(filtered))
	return filtered[filter.Offset:end]
}

// Count returns the number of matching events.
func (s *EventStore) Count(filter EventFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.events {
		if filter.match(e) {
			count++
		}
	}
	return count
}

// CountByType returns the number of stored events per type.
func (s *EventStore) CountByType() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range s.events {
		counts[e.Type]++
	}
	return counts
}

// EventTypes returns the distinct stored event types, sorted.
func (s *EventStore) EventTypes() []string {
	counts := s.CountByType()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// EventHandler returns a handler for EventBus.SubscribeAll.
func (s *EventStore) EventHandler() event.EventHandler {
	return func(ctx context.Context, e event.Event) error {
		s.Store(e)
		return nil
	}
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
