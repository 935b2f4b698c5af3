package marketsync

import (
	"sync"

	"github.com/rs/zerolog"
)

type listener[T any] struct {
	id int
	fn func(T)
}

// emitter fans a value out to registered listeners in registration order.
// A panicking listener is logged and skipped; it never reaches the caller.
type emitter[T any] struct {
	mu        sync.RWMutex
	name      string
	log       zerolog.Logger
	nextID    int
	listeners []listener[T]
}

func newEmitter[T any](name string, log zerolog.Logger) *emitter[T] {
	return &emitter[T]{name: name, log: log}
}

// on registers fn and returns a function that removes it.
func (e *emitter[T]) on(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	return func() { e.off(id) }
}

func (e *emitter[T]) off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	ls := e.listeners
	e.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Str("listener", e.name).Interface("panic", r).Msg("listener panicked")
				}
			}()
			l.fn(v)
		}()
	}
}

func (e *emitter[T]) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
}
