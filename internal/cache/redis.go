package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/dashlink/internal/config"
	"github.com/rickgao/dashlink/internal/dependency"
	"github.com/rickgao/dashlink/internal/router"
)

// Client adapts a Redis client to dependency.Backend.
type Client struct {
	*redis.Client
}

var _ dependency.Backend = (*Client)(nil)

// Ping issues PING.
func (c *Client) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Dialer returns a dependency.Dialer that opens a client and verifies it
// with PING. Command retries are disabled; the manager owns reconnection.
func Dialer(cfg config.RedisConfig) dependency.Dialer[*Client] {
	return func(ctx context.Context) (*Client, error) {
		rc := redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   -1,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
		}
		return &Client{Client: rc}, nil
	}
}

// IsTransient reports whether err means Redis is unreachable or
// temporarily refusing commands.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING ", "READONLY ", "MASTERDOWN ", "TRYAGAIN "} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return dependency.DefaultIsTransient(err)
}

// Store appends envelopes to a Redis list through a supervised client.
type Store struct {
	m     *dependency.Manager[*Client]
	queue string
}

// NewStore creates a Store pushing envelopes onto the queue list.
func NewStore(m *dependency.Manager[*Client], queue string) *Store {
	return &Store{m: m, queue: queue}
}

// EnqueueBatch appends envs to the queue list in one RPUSH. Lists do not
// deduplicate, so every envelope counts as stored.
func (s *Store) EnqueueBatch(ctx context.Context, envs []router.Envelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	values := make([]any, 0, len(envs))
	for _, env := range envs {
		data, err := json.Marshal(queuedEnvelope{
			ID:         env.ID,
			Type:       env.Type,
			Source:     env.Source,
			Payload:    env.Payload,
			ReceivedAt: env.ReceivedAt,
		})
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", env.Type, err)
		}
		values = append(values, data)
	}

	_, err := dependency.Do(ctx, s.m, func(ctx context.Context, c *Client) (int64, error) {
		return c.RPush(ctx, s.queue, values...).Result()
	})
	if err != nil {
		if len(envs) == 1 {
			return 0, fmt.Errorf("enqueue %s: %w", envs[0].Type, err)
		}
		return 0, fmt.Errorf("enqueue batch of %d: %w", len(envs), err)
	}
	return len(envs), nil
}

// queuedEnvelope is the list entry format. Unlike the wire format it keeps
// the source and receive time.
type queuedEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitzero"`
}
