package events

import (
	"sync"
)

// Handler receives published events.
type Handler func(Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a publish/subscribe channel scoped to one player session. Delivery is
// synchronous: Publish returns after every handler for the event type has run,
// in subscription order.
type Bus struct {
	mutex    sync.RWMutex
	handlers map[Type][]subscriber
	nextID   uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]subscriber),
	}
}

// Subscribe registers h for events of type t and returns a function that
// removes the subscription. The returned function is safe to call twice.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscriber{id: id, handler: h})

	return func() {
		b.unsubscribe(t, id)
	}
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subs := b.handlers[t]
	for i, s := range subs {
		if s.id == id {
			// Copy so that a Publish iterating the old slice is unaffected.
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.handlers[t] = next
			return
		}
	}
}

// Publish delivers e to every handler subscribed to its type.
func (b *Bus) Publish(e Event) {
	b.mutex.RLock()
	subs := b.handlers[e.Type()]
	b.mutex.RUnlock()

	// Handlers run without the lock held so they may subscribe or publish.
	for _, s := range subs {
		s.handler(e)
	}
}

// Reset drops every subscription.
func (b *Bus) Reset() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlers = make(map[Type][]subscriber)
}
