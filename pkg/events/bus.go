// Package events is the in-process broadcast layer. The lifecycle manager
// publishes domain events after each committed write; transports (SSE,
// Telegram) subscribe and fan them out. Delivery is at-least-once and
// fire-and-forget: subscribers that fall behind lose events and must
// reconcile through the query API.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the event type carried on the bus.
type Kind string

const (
	// KindAlertBatch announces that a poll cycle committed new or resolved
	// alerts. It carries only a count; subscribers re-fetch via the query
	// API.
	KindAlertBatch Kind = "alert_batch"

	// KindAlertAck announces an operator acknowledgment.
	KindAlertAck Kind = "alert_ack"

	// KindConnection announces a source connection status change.
	KindConnection Kind = "connection"
)

// Event is one broadcast notification. Only the fields for its Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	Count     int       `json:"count,omitempty"`    // alert_batch
	AlertID   string    `json:"alertId,omitempty"`  // alert_ack
	Operator  string    `json:"operator,omitempty"` // alert_ack
	Connected bool      `json:"connected"`          // connection
}

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: a subscriber whose buffer is full drops the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// the event channel plus a cancel function. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were dropped on full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
