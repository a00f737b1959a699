package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// It hands events to other goroutines (control API streams, the archive
// engine) and never blocks the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind. Publishing on a nil bus is a no-op.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber is full; drop rather than stall the event loop.
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given
// namespace prefix, and the function that cancels the subscription.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Registry holds synchronous handlers for one event type. Handlers run on
// the caller's goroutine, in registration order, so a Registry owned by a
// loop component delivers on the loop. Not safe for concurrent use.
type Registry[T any] struct {
	handlers map[int]func(T)
	order    []int
	next     int
}

// Add registers h and returns the cancellation handle that removes it.
func (r *Registry[T]) Add(h func(T)) (cancel func()) {
	if r.handlers == nil {
		r.handlers = make(map[int]func(T))
	}
	id := r.next
	r.next++
	r.handlers[id] = h
	r.order = append(r.order, id)
	return func() {
		if _, ok := r.handlers[id]; !ok {
			return
		}
		delete(r.handlers, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// Emit calls every registered handler with v.
func (r *Registry[T]) Emit(v T) {
	ids := append([]int(nil), r.order...)
	for _, id := range ids {
		if h, ok := r.handlers[id]; ok {
			h(v)
		}
	}
}

// Len reports the number of registered handlers.
func (r *Registry[T]) Len() int {
	return len(r.handlers)
}
