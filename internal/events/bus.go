// Package events is a small observer registry with explicit unsubscribe.
package events

import "sync"

type Event string

const (
	// Update fires whenever a message in a chat changes. Payload: models.ChatUpdate.
	Update Event = "update"
	// YUpdate carries a serialized sync update. Payload: []byte.
	YUpdate Event = "y-update"
	// Authenticated fires on auth state changes. Payload: bool.
	Authenticated Event = "authenticated"
)

type Handler func(payload any)

// Bus dispatches events synchronously on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[Event]map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Event]map[uint64]Handler)}
}

// Subscribe registers h for e and returns its unsubscribe function.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(e Event, h Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.handlers[e] == nil {
		b.handlers[e] = make(map[uint64]Handler)
	}
	b.handlers[e][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[e], id)
			if len(b.handlers[e]) == 0 {
				delete(b.handlers, e)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e]))
	for _, h := range b.handlers[e] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}

// Count returns the number of live subscriptions for e.
func (b *Bus) Count(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[e])
}
