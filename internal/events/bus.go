// Package events provides a typed, non-blocking publish/subscribe bus.
//
// The queue and the circuit breaker registry each own a Bus carrying their
// own event type, so subscribers receive compile-time-checked payloads
// instead of string-keyed maps.
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber channel capacity used when a
// non-positive size is requested.
const DefaultBufferSize = 256

// Bus fans events of type E out to any number of subscribers.
// Delivery is asynchronous via buffered channels. If a subscriber's channel
// is full the event is dropped for that subscriber and counted in Dropped,
// so a slow consumer never blocks the publisher.
type Bus[E any] struct {
	mu         sync.RWMutex
	subs       map[uint64]chan E
	nextID     uint64
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus[E any](bufferSize int) *Bus[E] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus[E]{
		subs:       make(map[uint64]chan E),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its receive channel plus
// an unsubscribe function. The channel is closed on unsubscribe or when the
// bus is closed. Unsubscribe is safe to call more than once.
func (b *Bus[E]) Subscribe() (<-chan E, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan E, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// SubscribeFunc calls fn for every event on a dedicated goroutine.
// A panicking fn is recovered so it cannot take the bus down.
// Returns the unsubscribe function.
func (b *Bus[E]) SubscribeFunc(fn func(E)) func() {
	ch, unsubscribe := b.Subscribe()
	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()
	return unsubscribe
}

// Publish delivers event to every current subscriber without blocking.
func (b *Bus[E]) Publish(event E) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus[E]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// channel was full.
func (b *Bus[E]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
