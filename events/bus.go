// Package events is the in-process publish/subscribe bus that pushes
// discovery and authorization changes to listeners.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Handler is a callback invoked when a matching event is published.
type Handler func(Event)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id      uint64
	types   map[EventType]struct{} // nil means every event
	handler Handler
}

// Bus is a thread-safe, in-process publish/subscribe event bus.
type Bus struct {
	log *slog.Logger

	mu          sync.RWMutex
	nextID      uint64
	subscribers []subscription
}

// NewBus creates a ready-to-use event bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers a handler for the given event types and returns a
// function that removes it. With no types the handler receives every event.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// Channel subscribes a buffered channel. Events are dropped for a slow
// reader instead of blocking the publisher. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Channel(buffer int, types ...EventType) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	var mu sync.Mutex
	closed := false
	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, types...)

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish sends an event to all matching subscribers in the caller's goroutine.
// The timestamp is set automatically if zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event subscriber panicked", slog.String("type", string(e.Type)), slog.Any("panic", r))
				}
			}()
			sub.handler(e)
		}()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}
