package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventHandler handles one event
type EventHandler func(ctx context.Context, event Event) error

// EventBus dispatches lifecycle events to subscribers
type EventBus interface {
	// Publish delivers event to its subscribers
	Publish(ctx context.Context, event Event) error
	// Subscribe registers handler for one event type
	Subscribe(eventType EventType, handler EventHandler) error
	// SubscribeAll registers handler for every event type
	SubscribeAll(handler EventHandler) error
}

// MemoryEventBus is a synchronous in-process event bus. Handlers run on
// the publishing goroutine in subscription order.
type MemoryEventBus struct {
	mu       sync.RWMutex
	subs     []subscription
	logger   *slog.Logger
	failures atomic.Int64
}

// subscription is one handler. A zero eventType matches every event.
type subscription struct {
	eventType EventType
	handler   EventHandler
}

func (s subscription) matches(e Event) bool {
	return s.eventType == "" || s.eventType == e.Type
}

// MemoryEventBusOption configures a MemoryEventBus
type MemoryEventBusOption func(*MemoryEventBus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		b.logger = logger
	}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(opts ...MemoryEventBusOption) *MemoryEventBus {
	bus := &MemoryEventBus{logger: slog.Default()}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Publish delivers event to every matching handler. Handler errors and
// panics are logged and counted but never returned, so a broken subscriber
// cannot fail a lock release.
func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.matches(event) {
			b.deliver(ctx, s.handler, event)
		}
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.ErrorContext(ctx, "Event handler panic",
				"event", event.Type, "file", event.File, "panic", r)
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.failures.Add(1)
		b.logger.WarnContext(ctx, "Event handler error",
			"event", event.Type, "file", event.File, "error", err)
	}
}

// Subscribe registers handler for eventType.
func (b *MemoryEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	if eventType == "" {
		return fmt.Errorf("subscribe: empty event type")
	}
	b.add(subscription{eventType: eventType, handler: handler})
	return nil
}

// SubscribeAll registers handler for every event.
func (b *MemoryEventBus) SubscribeAll(handler EventHandler) error {
	b.add(subscription{handler: handler})
	return nil
}

// add appends to a fresh slice so that Publish can iterate a snapshot
// without copying.
func (b *MemoryEventBus) add(s subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, s)
}

// Unsubscribe removes the handlers registered for eventType. Handlers
// registered with SubscribeAll stay.
func (b *MemoryEventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var kept []subscription
	for _, s := range b.subs {
		if s.eventType != eventType || s.eventType == "" {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// UnsubscribeAll removes every handler.
func (b *MemoryEventBus) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = nil
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *MemoryEventBus) HandlerCount(eventType EventType) int {
	return b.count(func(s subscription) bool { return s.eventType == eventType })
}

// AllHandlerCount returns the number of handlers registered with SubscribeAll.
func (b *MemoryEventBus) AllHandlerCount() int {
	return b.count(func(s subscription) bool { return s.eventType == "" })
}

func (b *MemoryEventBus) count(match func(subscription) bool) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.subs {
		if match(s) {
			n++
		}
	}
	return n
}

// Failures returns how many handler calls returned an error or panicked.
func (b *MemoryEventBus) Failures() int64 {
	return b.failures.Load()
}

// NoOpEventBus discards every event
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new no-op event bus.
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Publish does nothing.
func (b *NoOpEventBus) Publish(_ context.Context, _ Event) error {
	return nil
}

// Subscribe does nothing.
func (b *NoOpEventBus) Subscribe(_ EventType, _ EventHandler) error {
	return nil
}

// SubscribeAll does nothing.
func (b *NoOpEventBus) SubscribeAll(_ EventHandler) error {
	return nil
}

// Recorder collects published events. It is used by tests and by the CLI
// summary output.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle records event.
func (r *Recorder) Handle(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of eventType were recorded.
func (r *Recorder) Count(eventType EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

var (
	_ EventBus = (*MemoryEventBus)(nil)
	_ EventBus = (*NoOpEventBus)(nil)
)
