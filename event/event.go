// Package event provides lock and file lifecycle events and an event bus.
package event

import (
	"time"
)

// EventType identifies a lifecycle event
type EventType string

const (
	// Read lock events
	EventLockAcquired EventType = "lock.acquired"
	EventLockRejected EventType = "lock.rejected"
	EventLockReleased EventType = "lock.released"

	// File processing events
	EventFileCommitted  EventType = "file.committed"
	EventFileRolledBack EventType = "file.rolled_back"
	EventFileAborted    EventType = "file.aborted"

	// Maintenance events
	EventOrphanDeleted     EventType = "orphan.deleted"
	EventStaleClaimsPurged EventType = "claims.purged"
)

// Event is a lifecycle notification for one file
type Event struct {
	Type      EventType      // event type
	AttemptID string         // processing attempt id
	File      string         // absolute file path
	Strategy  string         // read lock strategy name
	Timestamp time.Time      // when the event happened
	Data      map[string]any // extra attributes
	Error     error          // failure, for failed outcomes
}

// NewEvent creates a new event with the given type and automatically sets the timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithAttemptID sets the attempt ID on the event.
func (e Event) WithAttemptID(id string) Event {
	e.AttemptID = id
	return e
}

// WithFile sets the file path on the event.
func (e Event) WithFile(path string) Event {
	e.File = path
	return e
}

// WithStrategy sets the strategy name on the event.
func (e Event) WithStrategy(name string) Event {
	e.Strategy = name
	return e
}

// WithError sets the error on the event.
func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData sets a key-value pair in the event data.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}
