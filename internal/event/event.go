package event

import (
	"sort"
	"sync"
)

// Emitter is a typed event bus scoped to the component that owns it.
// Listeners are called synchronously, in registration order, on the
// goroutine that emits. Channel subscribers never block the emitter: a
// full channel drops the event.
type Emitter[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(T)
	subs      []chan T
	closed    bool
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		listeners: make(map[int]func(T)),
	}
}

// Listen registers fn and returns a function that removes it.
func (e *Emitter[T]) Listen(fn func(T)) (unlisten func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Subscribe returns a buffered channel receiving every event.
func (e *Emitter[T]) Subscribe(buffer int) <-chan T {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan T, buffer)
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (e *Emitter[T]) Unsubscribe(ch <-chan T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subs {
		if sub == ch {
			close(sub)
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
}

func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	for _, sub := range e.subs {
		select {
		case sub <- v:
		default:
		}
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Close drops all listeners and closes all subscription channels.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, sub := range e.subs {
		close(sub)
	}
	e.subs = nil
	e.listeners = make(map[int]func(T))
}
