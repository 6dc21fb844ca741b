package dependency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rickgao/dashlink/internal/backoff"
	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/health"
)

// Errors
var (
	ErrDropped = errors.New("operation dropped from full buffer")
	ErrClosed  = errors.New("dependency manager closed")
)

// Backend is a live handle to the dependency.
type Backend interface {
	// Ping performs a no-op roundtrip.
	Ping(ctx context.Context) error

	// Close releases the handle.
	Close() error
}

// Dialer opens a new Backend.
type Dialer[B Backend] func(ctx context.Context) (B, error)

// Operation is a unit of work against a connected Backend.
type Operation[B Backend] func(ctx context.Context, b B) (any, error)

// MaxRetriesExceededError fails operations still waiting when a reconnect
// cycle gives up.
type MaxRetriesExceededError struct {
	Name     string
	Attempts int
	Err      error // Last connect error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%s: giving up after %d connect attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Err
}

// Config configures a Manager.
type Config struct {
	Name           string
	MaxRetries     int            // Failed connects before waiting operations fail
	Backoff        backoff.Config // Reconnect delay curve
	Breaker        breaker.Config // Guards connects and counts transient failures
	MaxBufferSize  int            // Operations held while disconnected
	Health         health.Config  // Ping ping while connected
	ConnectTimeout time.Duration  // Deadline for a single dial
	Seed           uint64         // Jitter seed (0 = time-based)

	// IsTransient reports whether an operation error means the backend is
	// unreachable. Nil uses DefaultIsTransient.
	IsTransient func(error) bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		MaxRetries:     5,
		Backoff:        backoff.DefaultConfig(),
		Breaker:        breaker.DefaultConfig(name),
		MaxBufferSize:  100,
		Health:         health.DefaultConfig(),
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultIsTransient treats network errors and unexpected EOFs as transient.
func DefaultIsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Status is a point-in-time snapshot for display.
type Status struct {
	Name         string
	State        connection.State
	CircuitState breaker.State
	BufferSize   int
	Attempt      int
}
