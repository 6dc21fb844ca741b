// Package health runs a fixed-interval liveness ping for a live
// connection. A monitor reports the first failure to its owner and stops;
// deciding whether and when to retry is left to the owner.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoTransport is returned by pings when there is no live transport.
var ErrNoTransport = errors.New("no transport")

// PingFunc performs one liveness roundtrip.
type PingFunc func(ctx context.Context) error

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration // Time between pings
	Timeout  time.Duration // Per-ping deadline
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Monitor pings on a fixed interval until stopped or until a ping fails.
type Monitor struct {
	cfg       Config
	ping      PingFunc
	onFailure func(error)
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Monitor. onFailure is called at most once per Start, from
// the monitor's goroutine.
func New(cfg Config, ping PingFunc, onFailure func(error), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Monitor{
		cfg:       cfg,
		ping:      ping,
		onFailure: onFailure,
		logger:    logger,
	}
}

// Start begins pinging. Calling Start on a running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.gen++

	m.wg.Add(1)
	go m.run(ctx, m.gen)
}

// Stop halts pinging. It does not wait for an in-flight onFailure call so
// that owners may call Stop while holding their own locks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	m.cancel()
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Wait blocks until the ping goroutine has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.check(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			m.mu.Lock()
			if !m.running || m.gen != gen {
				m.mu.Unlock()
				return
			}
			m.running = false
			m.cancel()
			m.mu.Unlock()

			m.logger.Warn("health ping failed", "error", err)
			if m.onFailure != nil {
				m.onFailure(err)
			}
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if m.ping == nil {
		return ErrNoTransport
	}
	return m.ping(pingCtx)
}
