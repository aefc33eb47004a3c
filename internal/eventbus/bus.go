// Package eventbus is the in-process broadcast primitive underlying the
// subscription hub (§4.6). It carries every successfully appended event to
// a bounded-capacity channel per subscriber; a slow subscriber has items
// dropped rather than blocking the publisher or growing without bound
// (§9, "do not replace with unbounded queues").
//
// A second, orthogonal mechanism — Handler registration — lets in-process
// observers (metrics, audit logging) run synchronously against every
// published event; this never touches durability or broadcast delivery.
package eventbus

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/devguyrash/moduprompt/internal/kernel"
)

// DefaultCapacity is the per-subscriber buffered channel size (§4.6: "≈1024 slots").
const DefaultCapacity = 1024

// Bus fans out appended events to subscribers and to registered handlers.
type Bus struct {
	mu          sync.RWMutex
	handlers    []Handler
	subscribers map[int]chan kernel.Event
	nextID      int
	capacity    int
}

// New creates a Bus with the default broadcast capacity.
func New() *Bus {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Bus whose per-subscriber channel holds up to
// capacity events before the bus starts dropping for that subscriber.
func NewWithCapacity(capacity int) *Bus {
	return &Bus{subscribers: make(map[int]chan kernel.Event), capacity: capacity}
}

// Register adds a synchronous handler. Handlers are sorted by priority on
// each Publish call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a handler by ID. Returns true if one was removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers a new broadcast receiver and returns its channel and
// an unsubscribe function. The channel is closed by unsubscribe. Sends are
// non-blocking, so a receiver that stops draining only loses events; it
// never blocks the publisher.
func (b *Bus) Subscribe() (<-chan kernel.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan kernel.Event, b.capacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers event to every current subscriber (non-blocking; full
// channels drop the event for that subscriber) and runs every handler
// whose Handles() includes the event's type, in priority order.
func (b *Bus) Publish(ctx context.Context, event kernel.Event) {
	b.mu.RLock()
	subs := make([]chan kernel.Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	matching := b.matchingHandlers(event.EventType)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// subscriber is lagging; drop. It recovers by reconnecting with
			// its last delivered seq_global as the new catch-up cursor.
		}
	}

	for _, h := range matching {
		if ctx.Err() != nil {
			return
		}
		if err := h.Handle(ctx, event); err != nil {
			log.Printf("eventbus: handler %q error for %s: %v", h.ID(), event.EventType, err)
		}
	}
}

// SubscriberCount reports the current number of live broadcast subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) matchingHandlers(eventType string) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
