// Package events carries the status notifications emitted by every mutating
// marketplace operation. A RingBuffer keeps the most recent events and fans
// them out to subscribers (metrics, logs, Redis, WebSocket clients).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/opstate"
)

// Category groups events by the registry layer that produced them.
type Category string

const (
	CategoryActor       Category = "ActorRegistryUpdate"
	CategoryObject      Category = "ObjectRegistryUpdate"
	CategoryTransaction Category = "TransactionRegistryUpdate"
)

// Event is the status notification for one mutating operation.
type Event struct {
	ID        string        `json:"id"`
	Sequence  uint64        `json:"sequence"`
	Category  Category      `json:"category"`
	Status    string        `json:"status"`
	Operation string        `json:"operation"`
	Caller    string        `json:"caller"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Outcome   opstate.Phase `json:"outcome"`
	Timestamp time.Time     `json:"timestamp"`

	Metadata map[string]string `json:"metadata,omitempty"`

	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they are published.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// ByCategory matches events of category c.
func ByCategory(c Category) Filter {
	return func(e Event) bool { return e.Category == c }
}

// ByCaller matches events submitted by caller.
func ByCaller(caller string) Filter {
	return func(e Event) bool { return e.Caller == caller }
}

// All matches events that pass every non-nil filter. With no filters it
// matches everything.
func All(filters ...Filter) Filter {
	var active []Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(e Event) bool {
		for _, f := range active {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// RingBuffer is a thread-safe circular buffer of recent events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a buffer holding up to size events (default 1000).
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish stores the event and notifies subscribers. Handlers run on the
// caller's goroutine after the buffer lock is released.
func (rb *RingBuffer) Publish(ctx context.Context, event Event) {
	if ctx != nil && event.TraceID == "" {
		event.TraceID = logging.GetTraceID(ctx)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.mu.Lock()
	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events and returns its cancel func.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only sees events passing filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByCategory returns up to n events of category c, newest first.
func (rb *RingBuffer) RecentByCategory(c Category, n int) []Event {
	return rb.collect(n, ByCategory(c))
}

// RecentByCaller returns up to n events submitted by caller, newest first.
func (rb *RingBuffer) RecentByCaller(caller string, n int) []Event {
	return rb.collect(n, ByCaller(caller))
}

// RecentMatching returns up to n events passing filter, newest first. A nil
// filter matches every event.
func (rb *RingBuffer) RecentMatching(filter Filter, n int) []Event {
	return rb.collect(n, filter)
}

func (rb *RingBuffer) collect(n int, filter Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if filter == nil || filter(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops all buffered events. Subscribers are kept.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

// Builder provides a fluent API for creating events.
type Builder struct {
	event Event
}

// NewEvent starts an event for the named operation.
func NewEvent(category Category, operation string) *Builder {
	return &Builder{event: Event{
		Category:  category,
		Operation: operation,
		Timestamp: time.Now().UTC(),
	}}
}

func (b *Builder) Caller(caller string) *Builder {
	b.event.Caller = caller
	return b
}

func (b *Builder) Status(status string) *Builder {
	b.event.Status = status
	return b
}

// Succeeded marks the event successful.
func (b *Builder) Succeeded() *Builder {
	b.event.Success = true
	b.event.ErrorKind = ""
	return b
}

// Failed marks the event failed with the given error kind.
func (b *Builder) Failed(kind string) *Builder {
	b.event.Success = false
	b.event.ErrorKind = kind
	return b
}

func (b *Builder) Outcome(p opstate.Phase) *Builder {
	b.event.Outcome = p
	return b
}

func (b *Builder) Sequence(seq uint64) *Builder {
	b.event.Sequence = seq
	return b
}

// Metadata adds a key/value pair.
func (b *Builder) Metadata(key, value string) *Builder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

func (b *Builder) TraceID(id string) *Builder {
	b.event.TraceID = id
	return b
}

func (b *Builder) RequestID(id string) *Builder {
	b.event.RequestID = id
	return b
}

// Build returns the event, assigning an ID if none was set.
func (b *Builder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
