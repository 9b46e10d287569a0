// Package eventbus delivers typed card/execution notifications to
// subscribed observers and exposes them over WebSocket. The in-process
// fan-out gives every subscriber its own buffered delivery channel;
// delivery is best-effort and never blocks a publisher.
package eventbus

import (
	"sync"
	"time"
)

// EventType names one of the four notification kinds the bus carries.
type EventType string

const (
	CardCreated           EventType = "card_created"
	CardUpdated           EventType = "card_updated"
	CardMoved             EventType = "card_moved"
	ExecutionLogAppended  EventType = "execution_log_appended"
)

// Event is one typed, JSON-serialisable notification.
type Event struct {
	Type      EventType `json:"type"`
	CardID    string    `json:"cardId,omitempty"`
	Card      any       `json:"card,omitempty"`
	FromColumn string   `json:"fromColumn,omitempty"`
	ToColumn   string   `json:"toColumn,omitempty"`
	Log        any      `json:"log,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// Bus is an in-process pub/sub fan-out. Delivery is best-effort: a
// subscriber whose channel is full misses events rather than stalling the
// publisher.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new observer and returns its delivery channel plus
// an unsubscribe function. Events arrive in publish order for this
// subscriber; no ordering is promised across subscribers.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish delivers an event to every current subscriber, dropping (not
// blocking on) any subscriber whose buffer is full.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Dead/slow observer: drop this event rather than block the
			// publisher.
		}
	}
}
