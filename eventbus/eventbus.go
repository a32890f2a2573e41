// Package eventbus fans live session events out to subscribers.
package eventbus

import (
	"sync"

	"github.com/autolyst-dev/autolyst/model"
)

// Bus is the pub/sub surface the engine publishes session events to and the
// HTTP layer streams them from.
type Bus interface {
	// Subscribe returns a channel receiving events for a session. The
	// channel is closed by Unsubscribe.
	Subscribe(sessionID string) chan *model.Event
	// Unsubscribe removes and closes a channel returned by Subscribe.
	Unsubscribe(sessionID string, ch chan *model.Event)
	// Publish delivers an event to all current subscribers of a session.
	// Delivery is best effort; slow subscribers miss events rather than
	// stalling the publisher.
	Publish(sessionID string, event *model.Event)
}

const subscriberBuffer = 64

// InMemoryBus is the in-process Bus used by the default build.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.Event),
	}
}

func (b *InMemoryBus) Subscribe(sessionID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, subscriberBuffer)
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch
}

func (b *InMemoryBus) Unsubscribe(sessionID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	for i, s := range subs {
		if s == ch {
			b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *InMemoryBus) Publish(sessionID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}
