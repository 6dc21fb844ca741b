// Package schedule tracks delayed callbacks so an owner can cancel all of
// them at once on teardown.
package schedule

import (
	"sync"
	"time"
)

// Set is a group of pending time.AfterFunc callbacks.
type Set struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{pending: make(map[uint64]*time.Timer)}
}

// After runs fn in its own goroutine once d has elapsed, unless the Set is
// stopped first.
func (s *Set) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.pending[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()

		if ok {
			fn()
		}
	})
}

// Stop cancels every pending callback and returns how many were cancelled.
// Callbacks already running are not interrupted; owners guard them with
// their own state checks.
func (s *Set) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.pending {
		if t.Stop() {
			n++
		}
		delete(s.pending, id)
	}
	return n
}

// Len returns the number of pending callbacks.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
