package eventbus

import (
	"sync"
	"time"
)

// Event types published by the indexing pipeline.
const (
	TypeTransactionIndexed  = "transaction.indexed"
	TypeTransactionEnriched = "transaction.enriched"
	TypeContractStatus      = "contract.status"
)

// Event is one indexing occurrence routed through the bus.
type Event struct {
	Type      string
	Contract  string
	Timestamp time.Time
	Data      interface{}
}

// Bus is an in-process event bus routing events to subscribers by type.
// Delivery is best-effort over Go channels; safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	closed      bool
}

// New creates a Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe registers a channel for events of the given type. The caller
// sizes the buffer; slow subscribers have events dropped.
func (b *Bus) Subscribe(eventType string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

// Publish delivers an event to every subscriber of its type. A full
// subscriber channel drops the event for that subscriber only. Publish is a
// no-op after Close.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus closed. Subscriber channels stay open; closing them
// is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
