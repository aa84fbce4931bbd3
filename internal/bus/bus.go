// Package bus is a small typed publish/subscribe fan-out. Components own
// their buses and hand out unsubscribe functions instead of sharing a
// process-wide emitter.
package bus

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Bus delivers each published value to every current subscriber, in
// subscription order, on the publisher's goroutine.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls subscribers outside the lock over a snapshot, so a
// subscriber may unsubscribe itself or publish again.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	snapshot := make([]subscriber[T], len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		s.fn(v)
	}
}

// Len reports the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Clear drops every subscriber. Outstanding unsubscribe functions become
// no-ops.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
