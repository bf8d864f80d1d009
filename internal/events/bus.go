package events

import "sync"

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not call back into the bus.
type Handler func(Event)

// Bus is a small subscribe/publish fanout. Once an unsubscribe function
// returns, that handler is guaranteed not to be invoked again.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers the event to every current subscriber. Delivery happens
// under the bus lock so teardown is race-free against in-flight publishes.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.subs {
		h(e)
	}
}
