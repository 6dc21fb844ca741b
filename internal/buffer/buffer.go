// Package buffer provides a fixed-capacity FIFO that evicts its oldest item
// on overflow.
//
// Items buffered while a connection is down are replayed in insertion order
// once it comes back. When the buffer is full the oldest item is evicted to
// make room and handed back to the caller, which is expected to surface the
// loss (log, notification). Recency is favoured over completeness.
package buffer

import (
	"sync"
	"time"
)

// Item is a buffered value with its enqueue time.
type Item[T any] struct {
	Payload    T
	EnqueuedAt time.Time
}

// Bounded is a thread-safe ring buffer with evict-oldest overflow.
type Bounded[T any] struct {
	mu       sync.Mutex
	buf      []Item[T]
	head     int // read position
	count    int
	capacity int

	// Stats
	totalPushed  int64
	totalDrained int64
	totalDropped int64
}

// New creates a buffer holding at most capacity items.
func New[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		buf:      make([]Item[T], capacity),
		capacity: capacity,
	}
}

// Push appends v. If the buffer was full, the oldest item is evicted first
// and returned with dropped=true.
func (b *Bounded[T]) Push(v T) (evicted Item[T], dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		evicted = b.buf[b.head]
		b.buf[b.head] = Item[T]{} // Clear reference for GC
		b.head = (b.head + 1) % b.capacity
		b.count--
		b.totalDropped++
		dropped = true
	}

	tail := (b.head + b.count) % b.capacity
	b.buf[tail] = Item[T]{Payload: v, EnqueuedAt: time.Now()}
	b.count++
	b.totalPushed++

	return evicted, dropped
}

// DrainAll removes and returns every payload, oldest first.
func (b *Bounded[T]) DrainAll() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	result := make([]T, b.count)
	for i := range result {
		result[i] = b.buf[b.head].Payload
		b.buf[b.head] = Item[T]{}
		b.head = (b.head + 1) % b.capacity
	}
	b.totalDrained += int64(b.count)
	b.count = 0
	b.head = 0

	return result
}

// Items returns a copy of the buffered items, oldest first, without
// removing them.
func (b *Bounded[T]) Items() []Item[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]Item[T], b.count)
	for i := range result {
		result[i] = b.buf[(b.head+i)%b.capacity]
	}
	return result
}

// Clear discards every item.
func (b *Bounded[T]) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	clear(b.buf)
	b.head = 0
	b.count = 0
	return n
}

// Len returns the current number of items.
func (b *Bounded[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the capacity.
func (b *Bounded[T]) Cap() int {
	return b.capacity
}

// Stats contains buffer statistics.
type Stats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalDrained int64
	TotalDropped int64
}

// Stats returns buffer statistics.
func (b *Bounded[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:        b.count,
		Capacity:     b.capacity,
		TotalPushed:  b.totalPushed,
		TotalDrained: b.totalDrained,
		TotalDropped: b.totalDropped,
	}
}
