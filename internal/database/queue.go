package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/dashlink/internal/dependency"
	"github.com/rickgao/dashlink/internal/router"
)

// Queue appends envelopes to a table through a supervised pool.
type Queue struct {
	m      *dependency.Manager[*Pool]
	table  string
	insert string
}

// NewQueue creates a Queue writing to table, which may be schema-qualified.
func NewQueue(m *dependency.Manager[*Pool], table string) *Queue {
	ident := quoteTable(table)
	return &Queue{
		m:     m,
		table: ident,
		insert: `
		INSERT INTO ` + ident + ` (id, type, source, payload, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO NOTHING
	`,
	}
}

// EnsureTable creates the queue table if it does not exist.
func (q *Queue) EnsureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ` + q.table + ` (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			source      TEXT NOT NULL,
			payload     JSONB,
			received_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := q.m.Execute(ctx, func(ctx context.Context, p *Pool) (any, error) {
		return p.Exec(ctx, query)
	})
	if err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// EnqueueBatch stores envs in one round trip and returns how many were new.
func (q *Queue) EnqueueBatch(ctx context.Context, envs []router.Envelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	stored, err := dependency.Do(ctx, q.m, func(ctx context.Context, p *Pool) (int, error) {
		batch := &pgx.Batch{}
		for _, env := range envs {
			batch.Queue(q.insert, insertArgs(env)...)
		}

		br := p.SendBatch(ctx, batch)
		defer br.Close()

		var stored int
		for range envs {
			tag, err := br.Exec()
			if err != nil {
				return 0, err
			}
			stored += int(tag.RowsAffected())
		}
		return stored, br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue batch of %d: %w", len(envs), err)
	}
	return stored, nil
}

func insertArgs(env router.Envelope) []any {
	var payload []byte
	if len(env.Payload) > 0 {
		payload = env.Payload
	}
	var receivedAt any
	if !env.ReceivedAt.IsZero() {
		receivedAt = env.ReceivedAt
	}
	return []any{env.ID, env.Type, env.Source, payload, receivedAt}
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}
