// Package eventbus provides a small generic publish/subscribe primitive
// used throughout the engine to decouple signaling, presence, and call
// state changes from the components that react to them.
package eventbus

import (
	"log"
	"sync"
)

// Handler receives the arguments passed to Emit for the event it
// subscribed to.
type Handler[T any] func(T)

// Unsubscribe removes a handler previously registered with On or Once.
type Unsubscribe func()

type subscriber[T any] struct {
	id      uint64
	handler Handler[T]
	once    bool
}

// Bus is a generic, concurrency-safe event emitter. Handler panics are
// recovered and logged; they never abort delivery to other subscribers.
// Emit iterates a snapshot of the subscriber list taken at emit time, so a
// handler that subscribes or unsubscribes mid-dispatch does not affect the
// current emission.
type Bus[T any] struct {
	mu        sync.Mutex
	listeners map[string][]*subscriber[T]
	nextID    uint64
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{listeners: make(map[string][]*subscriber[T])}
}

// On registers handler for event and returns a function that removes it.
func (b *Bus[T]) On(event string, handler Handler[T]) Unsubscribe {
	return b.add(event, handler, false)
}

// Once registers handler for event; it is removed after its first firing.
func (b *Bus[T]) Once(event string, handler Handler[T]) Unsubscribe {
	return b.add(event, handler, true)
}

func (b *Bus[T]) add(event string, handler Handler[T], once bool) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber[T]{id: id, handler: handler, once: once}
	b.listeners[event] = append(b.listeners[event], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[event]
		for i, s := range subs {
			if s.id == id {
				b.listeners[event] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Off removes every registration for event (without an Unsubscribe
// handle in hand this removes all handlers for that event, matching the
// bare "off(event)" form; pair On/Once with their returned Unsubscribe to
// remove a single handler).
func (b *Bus[T]) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
}

// RemoveAllListeners removes every handler for event, or for every event
// if event is empty.
func (b *Bus[T]) RemoveAllListeners(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == "" {
		b.listeners = make(map[string][]*subscriber[T])
		return
	}
	delete(b.listeners, event)
}

// ListenerCount returns the number of handlers currently registered for
// event.
func (b *Bus[T]) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Emit delivers arg to every handler registered for event, in
// registration order, over a snapshot of the subscriber list. Handlers
// registered "once" are removed before dispatch completes.
func (b *Bus[T]) Emit(event string, arg T) {
	b.mu.Lock()
	subs := make([]*subscriber[T], len(b.listeners[event]))
	copy(subs, b.listeners[event])
	b.mu.Unlock()

	var onceIDs []uint64
	for _, sub := range subs {
		if sub.once {
			onceIDs = append(onceIDs, sub.id)
		}
		dispatch(event, sub.handler, arg)
	}

	if len(onceIDs) == 0 {
		return
	}
	b.mu.Lock()
	remaining := b.listeners[event][:0]
	for _, s := range b.listeners[event] {
		keep := true
		for _, id := range onceIDs {
			if s.id == id {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, s)
		}
	}
	b.listeners[event] = remaining
	b.mu.Unlock()
}

func dispatch[T any](event string, handler Handler[T], arg T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler for %q panicked: %v", event, r)
		}
	}()
	handler(arg)
}
