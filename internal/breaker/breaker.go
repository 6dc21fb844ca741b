// Package breaker wraps a sony/gobreaker two-step circuit breaker with the
// split Allow/Record API the supervisors need.
//
// A breaker starts Closed. Threshold consecutive failures open it; while Open
// every attempt is rejected with an *OpenError until OpenTimeout has elapsed,
// after which a single trial is admitted (HalfOpen). The trial's outcome
// closes or re-opens the circuit.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State is the circuit state.
type State = gobreaker.State

const (
	Closed   = gobreaker.StateClosed
	HalfOpen = gobreaker.StateHalfOpen
	Open     = gobreaker.StateOpen
)

// ErrOpen matches any *OpenError via errors.Is.
var ErrOpen = errors.New("circuit open")

// OpenError is returned when an attempt is rejected.
type OpenError struct {
	Name       string
	RetryAfter time.Duration // Zero while a half-open trial is in flight
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %s open, retry after %s", e.Name, e.RetryAfter)
	}
	return fmt.Sprintf("circuit %s open, trial in progress", e.Name)
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// IsOpen reports whether err is a rejection by a breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// Config configures a Breaker.
type Config struct {
	Name        string
	Threshold   int           // Consecutive failures before opening
	OpenTimeout time.Duration // Cool-down before a trial is admitted
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Threshold:   5,
		OpenTimeout: 60 * time.Second,
	}
}

// Breaker is safe for concurrent use.
//
// Allow admits an attempt and keeps its completion callback; the next
// RecordSuccess or RecordFailure settles the oldest admitted attempt. An
// outcome reported without a prior Allow is recorded as a fresh attempt.
type Breaker struct {
	cfg Config

	// OnStateChange, if set, is called after every transition. It runs with
	// the circuit's internal lock held and must not call back into the
	// Breaker.
	OnStateChange func(from, to State)

	mu      sync.Mutex
	cb      *gobreaker.TwoStepCircuitBreaker[struct{}]
	pending []func(success bool)

	openMu   sync.Mutex
	openedAt time.Time
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig(cfg.Name).OpenTimeout
	}
	b := &Breaker{cfg: cfg}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.TwoStepCircuitBreaker[struct{}] {
	threshold := uint32(b.cfg.Threshold)
	return gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: 1,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to State) {
			if to == Open {
				b.openMu.Lock()
				b.openedAt = time.Now()
				b.openMu.Unlock()
			}
			b.notify(from, to)
		},
	})
}

func (b *Breaker) circuit() *gobreaker.TwoStepCircuitBreaker[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// Allow reports whether an attempt may proceed. A nil result obliges the
// caller to report the outcome with RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() error {
	done, err := b.circuit().Allow()
	if err != nil {
		return b.openError(err)
	}
	b.mu.Lock()
	b.pending = append(b.pending, done)
	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful attempt. A success reported while the
// circuit is not Closed and no attempt is pending forces it closed.
func (b *Breaker) RecordSuccess() {
	if done := b.take(); done != nil {
		done(true)
		return
	}
	done, err := b.circuit().Allow()
	if err != nil {
		b.Reset()
		return
	}
	done(true)
}

// RecordFailure reports a failed attempt. Without a pending attempt the
// failure is dropped while the circuit rejects attempts.
func (b *Breaker) RecordFailure() {
	if done := b.take(); done != nil {
		done(false)
		return
	}
	if done, err := b.circuit().Allow(); err == nil {
		done(false)
	}
}

// Release abandons an admitted attempt without a result. An abandoned
// half-open trial re-opens the circuit so that the next trial waits for a
// fresh cool-down.
func (b *Breaker) Release() {
	done := b.take()
	if done == nil {
		return
	}
	if b.State() == HalfOpen {
		done(false)
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.circuit().Allow()
	if err != nil {
		return b.openError(err)
	}
	if err := fn(); err != nil {
		done(false)
		return err
	}
	done(true)
	return nil
}

// State returns the current state. An Open breaker whose cool-down has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	return b.circuit().State()
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	return int(b.circuit().Counts().ConsecutiveFailures)
}

// RetryAfter returns the remaining cool-down, or zero when not Open.
func (b *Breaker) RetryAfter() time.Duration {
	if b.State() != Open {
		return 0
	}
	b.openMu.Lock()
	remaining := b.cfg.OpenTimeout - time.Since(b.openedAt)
	b.openMu.Unlock()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker closed and forgets pending attempts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.cb.State()
	b.cb = b.newCircuit()
	b.pending = nil
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) take() func(bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	done := b.pending[0]
	b.pending = b.pending[1:]
	return done
}

func (b *Breaker) openError(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return &OpenError{Name: b.cfg.Name, RetryAfter: b.RetryAfter()}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return &OpenError{Name: b.cfg.Name}
	}
	return err
}

func (b *Breaker) notify(from, to State) {
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
