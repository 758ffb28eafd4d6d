package gateway

import (
	"sync"

	"github.com/caprev/sensorlink/internal/link"
)

const subscriberBufSize = 64

// subscriber holds a buffered channel for one consumer.
type subscriber struct {
	ch chan link.Event
}

// EventBus fans sensor link events out to all registered consumers (the
// monitor API's WebSocket clients, tests, anything else watching). We use
// channel-based subscribers to keep the bus transport-agnostic and fully
// testable without a real WebSocket.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new consumer. It returns a receive channel and an
// unsubscribe function that must be called when the consumer goes away (it
// closes the channel).
func (b *EventBus) Subscribe() (<-chan link.Event, func()) {
	s := &subscriber{ch: make(chan link.Event, subscriberBufSize)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an event to all current subscribers. Slow consumers are
// skipped (their buffer is full) to avoid stalling the link's event path.
func (b *EventBus) Publish(e link.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer – drop silently.
		}
	}
}

// Len returns the current subscriber count (useful for metrics/tests).
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
