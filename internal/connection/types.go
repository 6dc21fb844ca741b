package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/dashlink/internal/auth"
	"github.com/rickgao/dashlink/internal/backoff"
	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/health"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrStaleConnection   = errors.New("connection stale (no pong)")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Close codes and reasons that mark a deliberate disconnect. The backend
// uses 4001 when a session is logged out.
const (
	CloseLogout = 4001

	ReasonLogout         = "logout"
	ReasonClientClose    = "client_close"
	ReasonForceReconnect = "force_reconnect"
	ReasonHealthCheck    = "health_check_failed"
	ReasonSendFailed     = "send_failed"
	ReasonReplayFailed   = "replay_failed"
)

// TransportError wraps a failure of the underlying push channel.
type TransportError struct {
	Op  string // "dial", "write", "read", "ping"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string           // WebSocket URL (e.g., wss://dashboard.example.com/ws)
	Token            auth.TokenSource // Bearer token for the handshake (nil = no auth)
	HandshakeTimeout time.Duration    // Dial handshake deadline
	PingTimeout      time.Duration    // Max wait for a pong
	WriteTimeout     time.Duration    // Write deadline for sends
	BufferSize       int              // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures a Supervisor.
type Config struct {
	MaxRetries     int            // Failed attempts before polling fallback
	Backoff        backoff.Config // Reconnect delay curve
	Breaker        breaker.Config // Guards dial attempts
	MaxBufferSize  int            // Outbound events held while offline
	Health         health.Config  // Liveness ping while connected
	FallbackGrace  time.Duration  // Wait between push redials while polling
	ConnectTimeout time.Duration  // Deadline for a single dial
	HistorySize    int            // Diagnostic transitions retained
	Seed           uint64         // Jitter seed (0 = time-based)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		Backoff:        backoff.DefaultConfig(),
		Breaker:        breaker.DefaultConfig("channel"),
		MaxBufferSize:  100,
		Health:         health.DefaultConfig(),
		FallbackGrace:  60 * time.Second,
		ConnectTimeout: 15 * time.Second,
		HistorySize:    100,
	}
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State        State
	CircuitState breaker.State
	BufferSize   int
	Attempt      int
	Polling      bool
}
