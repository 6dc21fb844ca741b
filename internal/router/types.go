package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message sources.
const (
	SourcePush = "push" // Delivered over the WebSocket channel
	SourcePoll = "poll" // Synthesized by the fallback poller
)

// Control message types handled by the connection layer itself.
const (
	TypePing = "ping"
	TypePong = "pong"
	TypeAck  = "ack"
)

// ErrMissingType is returned when a frame has no "type" field.
var ErrMissingType = errors.New("message has no type")

// Envelope is the unit exchanged with the backend in both directions.
// Payload semantics belong to the dashboard, not to the connection layer.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Source     string    `json:"-"` // "push" or "poll"
	ReceivedAt time.Time `json:"-"` // Zero for outbound envelopes
}

// NewEnvelope builds an outbound envelope with a fresh ID.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, ErrMissingType
	}

	env := Envelope{
		ID:   uuid.NewString(),
		Type: msgType,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

// Parse decodes a raw push frame.
func Parse(data []byte, receivedAt time.Time) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	env.Source = SourcePush
	env.ReceivedAt = receivedAt
	return env, nil
}

// IsControl reports whether the envelope is a transport-level control message.
func (e Envelope) IsControl() bool {
	switch e.Type {
	case TypePing, TypePong, TypeAck:
		return true
	}
	return false
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Config holds Router configuration.
type Config struct {
	QueueSize int // Envelopes queued for handlers before dropping
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize: 1000,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	UnknownMessages  int64
	Dropped          int64
}
