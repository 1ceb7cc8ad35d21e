// Package events provides a small typed observer bus.
package events

import (
	"sync"
)

// Bus fans out published values to every registered handler.
// Handlers run synchronously on the publisher's goroutine in registration order,
// so a single publisher observes its own ordering at every subscriber.
type Bus[T any] struct {
	mu       sync.RWMutex
	handlers map[uint64]func(T)
	order    []uint64
	nextID   uint64
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns a handle that removes it again.
func (b *Bus[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.order = append(b.order, id)

	return &Subscription{cancel: func() { b.remove(id) }}
}

// Publish delivers v to a snapshot of the current subscribers.
// Handlers registered or removed during delivery take effect on the next Publish.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Subscription is a disposable registration on a Bus.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close unregisters the handler. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}
