// Package notify fans values out to subscribers over bounded channels.
// A slow subscriber loses its oldest undelivered values; publishers never
// block.
package notify

import (
	"sync"
	"sync/atomic"
)

// Subscription receives published values on C.
type Subscription[T any] struct {
	ch      chan T
	dropped atomic.Int64
	b       *Broadcaster[T]
	id      uint64
	once    sync.Once
}

// C returns the delivery channel. It is closed by Close or when the
// broadcaster closes.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped returns how many values were discarded for this subscriber.
func (s *Subscription[T]) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.b.remove(s.id)
}

// Broadcaster delivers each published value to every subscriber.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	buffer int
	closed bool
}

// New creates a Broadcaster whose subscribers buffer up to buffer values.
func New[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster[T]{subs: make(map[uint64]*Subscription[T]), buffer: buffer}
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// yields an already-closed subscription.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription[T]{ch: make(chan T, b.buffer), b: b, id: b.nextID}
	b.nextID++
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers v to every subscriber, evicting the oldest buffered value
// of any subscriber whose buffer is full.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription and rejects further publishes.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, id)
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	s.once.Do(func() { close(s.ch) })
}
