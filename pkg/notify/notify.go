// Package notify is a small typed fan-out for in-process events.
//
// Listeners are called synchronously, in registration order, on the goroutine
// that calls Emit. A panicking listener is recovered so it cannot take the
// emitter down with it.
package notify

import (
	"log/slog"
	"sync"
)

// Notifier multicasts values of T to registered listeners.
type Notifier[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners []listener[T]
	logger    *slog.Logger
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// New returns a Notifier that logs recovered listener panics to logger. A nil
// logger uses slog.Default.
func New[T any](logger *slog.Logger) *Notifier[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier[T]{logger: logger}
}

// Listen registers fn and returns a function that removes it again. Calling
// the cancel function more than once is harmless.
func (n *Notifier[T]) Listen(fn func(T)) (cancel func()) {
	n.mu.Lock()
	n.next++
	id := n.next
	n.listeners = append(n.listeners, listener[T]{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier[T]) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, l := range n.listeners {
		if l.id == id {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return
		}
	}
}

// Emit delivers v to every listener registered at the time of the call.
func (n *Notifier[T]) Emit(v T) {
	n.mu.RLock()
	snapshot := make([]listener[T], len(n.listeners))
	copy(snapshot, n.listeners)
	n.mu.RUnlock()

	for _, l := range snapshot {
		n.call(l, v)
	}
}

func (n *Notifier[T]) call(l listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			n.log().Error("notify: listener panicked", "panic", r)
		}
	}()
	l.fn(v)
}

func (n *Notifier[T]) log() *slog.Logger {
	if n.logger == nil {
		return slog.Default()
	}
	return n.logger
}

// Len reports the number of registered listeners.
func (n *Notifier[T]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
