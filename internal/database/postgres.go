package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/dashlink/internal/config"
	"github.com/rickgao/dashlink/internal/dependency"
)

// Pool adapts a pgx pool to dependency.Backend.
type Pool struct {
	*pgxpool.Pool
}

var _ dependency.Backend = (*Pool)(nil)

// Close closes the pool.
func (p *Pool) Close() error {
	p.Pool.Close()
	return nil
}

// Connect creates a single connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Dialer returns a dependency.Dialer that opens a fresh pool per attempt.
func Dialer(cfg config.DBConfig) dependency.Dialer[*Pool] {
	return func(ctx context.Context) (*Pool, error) {
		pool, err := Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Pool{Pool: pool}, nil
	}
}

// IsTransient reports whether err means the server is unreachable rather
// than that the statement was rejected.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P0x are server shutdowns.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	return dependency.DefaultIsTransient(err)
}
