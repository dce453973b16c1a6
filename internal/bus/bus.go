// Package bus fans messages out to in-process listeners.
package bus

import (
	"log/slog"
	"sync"
)

// Listener receives published messages.
type Listener[T any] func(msg T)

type subscription[T any] struct {
	id int
	fn Listener[T]
}

// Bus delivers each published message synchronously to every listener
// registered at publish time, in registration order. Nothing is buffered or
// replayed.
type Bus[T any] struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []subscription[T]
	nextID int
}

// New creates a Bus. A nil logger uses slog.Default().
func New[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{logger: logger}
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			// Copy so snapshots held by an in-flight Publish stay intact.
			next := make([]subscription[T], 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return
		}
	}
}

// Publish delivers msg to the current listeners. A panicking listener is
// logged and skipped.
func (b *Bus[T]) Publish(msg T) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Bus[T]) deliver(sub subscription[T], msg T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: listener panicked", "subscription", sub.id, "panic", r)
		}
	}()
	sub.fn(msg)
}

// SubscriberCount returns the number of active listeners.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
