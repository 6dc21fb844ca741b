package connection

import (
	"fmt"
	"sync"
	"time"
)

// State is the push channel's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	PollingFallback
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case PollingFallback:
		return "polling_fallback"
	default:
		return "unknown"
	}
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	Disconnected:    {Connecting},
	Connecting:      {Connected, Reconnecting, PollingFallback, Disconnected},
	Connected:       {Reconnecting, Disconnected, Connecting},
	Reconnecting:    {Connecting, PollingFallback, Disconnected},
	PollingFallback: {Connecting, Disconnected},
}

func validateTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Record is one entry of the diagnostic history.
type Record struct {
	State  State
	Reason string
	At     time.Time
}

// History is a bounded ring of recent transitions, oldest evicted first.
type History struct {
	mu    sync.Mutex
	buf   []Record
	head  int
	count int
}

// NewHistory creates a History holding at most size records.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{buf: make([]Record, size)}
}

// Add appends r, evicting the oldest record when full.
func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == len(h.buf) {
		h.buf[h.head] = r
		h.head = (h.head + 1) % len(h.buf)
		return
	}
	h.buf[(h.head+h.count)%len(h.buf)] = r
	h.count++
}

// Records returns a copy, oldest first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Record, h.count)
	for i := range out {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
