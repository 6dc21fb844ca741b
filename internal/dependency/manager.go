// Package dependency supervises the connection to an auxiliary backend
// (cache, queue, database) used through discrete operations.
//
// A Manager runs operations immediately while connected. While it is not,
// operations wait in a bounded buffer and a connect attempt is started;
// they run once the backend is back, or fail when the reconnect cycle gives
// up. An open circuit fails new operations fast instead of queueing them.
package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/dashlink/internal/backoff"
	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/buffer"
	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/health"
	"github.com/rickgao/dashlink/internal/schedule"
)

// Disconnect reasons.
const (
	ReasonOperationFailed = "operation_failed"
	ReasonHealthCheck     = connection.ReasonHealthCheck
	ReasonForceReconnect  = connection.ReasonForceReconnect
	ReasonClose           = connection.ReasonClientClose
)

var transitions = map[connection.State][]connection.State{
	connection.Disconnected: {connection.Connecting},
	connection.Connecting:   {connection.Connected, connection.Reconnecting, connection.Disconnected},
	connection.Connected:    {connection.Reconnecting, connection.Connecting, connection.Disconnected},
	connection.Reconnecting: {connection.Connecting, connection.Disconnected},
}

type result struct {
	val any
	err error
}

// pending is an operation waiting for the backend.
type pending[B Backend] struct {
	seq  uint64
	ctx  context.Context
	op   Operation[B]
	done chan result // Buffered; written exactly once
}

func (p *pending[B]) complete(val any, err error) {
	p.done <- result{val: val, err: err}
}

// Manager owns the connection to one backend.
type Manager[B Backend] struct {
	cfg    Config
	dialer Dialer[B]
	bus    events.Publisher
	logger *slog.Logger

	breaker *breaker.Breaker
	backoff *backoff.Scheduler
	timers  *schedule.Set
	buf     *buffer.Bounded[*pending[B]]

	mu         sync.Mutex
	state      connection.State
	epoch      uint64
	attempt    int
	lastErr    error
	seq        uint64
	degraded   bool
	closed     bool
	backend    B
	hasBackend bool
	monitor    *health.Monitor
	dialCancel context.CancelFunc

	outbox     []events.Notification
	closing    []B
	delivering bool
}

// New creates a Manager in the Disconnected state. Nothing is dialled until
// the first Connect or Execute.
func New[B Backend](cfg Config, dialer Dialer[B], bus events.Publisher, logger *slog.Logger) *Manager[B] {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.Discard
	}
	if cfg.Name == "" {
		cfg.Name = "dependency"
	}
	def := DefaultConfig(cfg.Name)
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.IsTransient == nil {
		cfg.IsTransient = DefaultIsTransient
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = cfg.Name
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	logger = logger.With("component", "dependency", "name", cfg.Name)

	m := &Manager[B]{
		cfg:     cfg,
		dialer:  dialer,
		bus:     bus,
		logger:  logger,
		breaker: breaker.New(cfg.Breaker),
		backoff: backoff.NewScheduler(cfg.Backoff, seed),
		timers:  schedule.NewSet(),
		buf:     buffer.New[*pending[B]](cfg.MaxBufferSize),
		state:   connection.Disconnected,
	}
	m.breaker.OnStateChange = func(from, to breaker.State) {
		logger.Info("dependency circuit changed", "from", from, "to", to)
	}
	return m
}

// Name returns the configured dependency name.
func (m *Manager[B]) Name() string {
	return m.cfg.Name
}

// Connect starts a connect attempt if the manager is Disconnected. It does
// not wait for the outcome.
func (m *Manager[B]) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.unlock()

	if m.closed {
		return
	}
	m.startConnect(ctx, "connect")
}

// Execute runs op against the backend.
//
// While connected op runs at once. Otherwise it is buffered until the
// backend is reachable. The call returns a *breaker.OpenError when the
// circuit is open, a *MaxRetriesExceededError when the reconnect cycle
// gives up, ErrDropped when a newer operation evicted it from a full
// buffer, and ctx.Err() if ctx ends first.
func (m *Manager[B]) Execute(ctx context.Context, op Operation[B]) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.unlock()
		return nil, ErrClosed
	}
	if retryAfter := m.breaker.RetryAfter(); retryAfter > 0 {
		m.unlock()
		return nil, &breaker.OpenError{Name: m.cfg.Name, RetryAfter: retryAfter}
	}
	if m.state == connection.Connected {
		b, epoch := m.backend, m.epoch
		m.unlock()
		return m.run(ctx, epoch, b, op)
	}

	p := m.enqueue(ctx, op)
	m.startConnect(context.Background(), "execute")
	m.unlock()

	return m.wait(ctx, p)
}

// Do is Execute with a typed result.
func Do[B Backend, R any](ctx context.Context, m *Manager[B], fn func(ctx context.Context, b B) (R, error)) (R, error) {
	var zero R
	v, err := m.Execute(ctx, func(ctx context.Context, b B) (any, error) {
		return fn(ctx, b)
	})
	if err != nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, nil
	}
	return r, nil
}

// Status returns a snapshot for display.
func (m *Manager[B]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		Name:         m.cfg.Name,
		State:        m.state,
		CircuitState: m.breaker.State(),
		BufferSize:   m.buf.Len(),
		Attempt:      m.attempt,
	}
}

// ForceReconnect drops the current backend, if any, and dials at once,
// bypassing backoff and the circuit breaker. It is a no-op while an attempt
// is in flight or after Close.
func (m *Manager[B]) ForceReconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.unlock()

	if m.closed || m.state == connection.Connecting {
		return
	}
	if m.state == connection.Connected {
		m.detach()
		m.emit(events.Notification{Kind: events.Disconnected, Reason: ReasonForceReconnect})
	}
	m.timers.Stop()

	m.setState(connection.Connecting, ReasonForceReconnect)
	m.beginDial(ctx)
}

// Close cancels pending timers, closes the backend and fails waiting
// operations with ErrClosed. The manager cannot be reused.
func (m *Manager[B]) Close() error {
	m.mu.Lock()
	defer m.unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	m.timers.Stop()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.state == connection.Connected {
		m.detach()
		m.emit(events.Notification{Kind: events.Disconnected, Reason: ReasonClose})
	}
	if m.state != connection.Disconnected {
		m.setState(connection.Disconnected, "close")
	}
	if n := m.failPending(ErrClosed); n > 0 {
		m.logger.Info("failed waiting operations on close", "count", n)
	}
	return nil
}

// startConnect moves from Disconnected to Connecting. Caller holds mu.
func (m *Manager[B]) startConnect(ctx context.Context, reason string) {
	if m.state != connection.Disconnected {
		return
	}
	m.setState(connection.Connecting, reason)
	if err := m.breaker.Allow(); err != nil {
		m.setState(connection.Reconnecting, "circuit_open")
		m.deferForBreaker()
		return
	}
	m.beginDial(ctx)
}

// beginDial launches a dial from the Connecting state. Caller holds mu.
func (m *Manager[B]) beginDial(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	go m.dial(ctx, cancel, m.epoch)
}

func (m *Manager[B]) dial(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	defer cancel()

	b, err := m.dialer(ctx)

	m.mu.Lock()
	if m.epoch != epoch || m.state != connection.Connecting {
		if err == nil {
			m.breaker.RecordSuccess()
			m.closing = append(m.closing, b)
		} else {
			m.breaker.Release()
		}
		m.unlock()
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.onConnectFailed(err)
	} else {
		m.onConnected(b)
	}
	m.unlock()
}

// onConnected installs b, starts pinging and hands buffered operations to
// a replay goroutine. Caller holds mu.
func (m *Manager[B]) onConnected(b B) {
	prev := m.attempt
	m.attempt = 0
	m.lastErr = nil
	m.degraded = false
	m.backend = b
	m.hasBackend = true
	m.breaker.RecordSuccess()

	m.setState(connection.Connected, "connected")
	m.emit(events.Notification{Kind: events.Connected, Attempt: prev})
	m.logger.Info("dependency connected", "failed_attempts", prev)

	epoch := m.epoch
	m.monitor = health.New(m.cfg.Health, b.Ping, func(err error) {
		m.onHealthFailed(epoch, err)
	}, m.logger)
	m.monitor.Start()

	if items := m.buf.DrainAll(); len(items) > 0 {
		go m.replay(epoch, b, items)
	}
}

// replay runs buffered operations in order. On the first transient failure
// the rest go back to the buffer and the loss is handled.
func (m *Manager[B]) replay(epoch uint64, b B, items []*pending[B]) {
	for i, p := range items {
		if p.ctx.Err() != nil {
			p.complete(nil, p.ctx.Err())
			continue
		}
		val, err := p.op(p.ctx, b)
		if err == nil || !m.cfg.IsTransient(err) {
			p.complete(val, err)
			continue
		}

		m.mu.Lock()
		m.breaker.RecordFailure()
		if m.closed {
			for _, rest := range items[i:] {
				rest.complete(nil, ErrClosed)
			}
			m.unlock()
			return
		}
		for _, rest := range items[i:] {
			m.requeue(rest)
		}
		m.logger.Warn("replay interrupted",
			"ran", i,
			"remaining", len(items)-i,
			"error", err,
		)
		m.afterOperationFailure(epoch)
		m.unlock()
		return
	}
	m.logger.Info("replayed buffered operations", "count", len(items))
}

// run executes op on the caller's goroutine while connected.
func (m *Manager[B]) run(ctx context.Context, epoch uint64, b B, op Operation[B]) (any, error) {
	val, err := op(ctx, b)
	if err == nil || !m.cfg.IsTransient(err) {
		return val, err
	}
	m.logger.Warn("operation failed", "error", err)

	m.mu.Lock()
	m.breaker.RecordFailure()
	if m.closed {
		m.unlock()
		return nil, err
	}
	p := m.enqueue(ctx, op)
	m.afterOperationFailure(epoch)
	m.unlock()

	return m.wait(ctx, p)
}

// afterOperationFailure treats a transient operation error as loss of the
// backend it ran on. Caller holds mu.
func (m *Manager[B]) afterOperationFailure(epoch uint64) {
	m.checkDegraded()
	switch {
	case m.epoch == epoch && m.state == connection.Connected:
		m.lose(ReasonOperationFailed)
	case m.state == connection.Disconnected && !m.closed:
		m.startConnect(context.Background(), "execute")
	}
}

func (m *Manager[B]) wait(ctx context.Context, p *pending[B]) (any, error) {
	select {
	case r := <-p.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onConnectFailed records a failed attempt. Caller holds mu.
func (m *Manager[B]) onConnectFailed(err error) {
	m.breaker.RecordFailure()
	m.checkDegraded()
	m.attempt++
	m.lastErr = err
	m.emit(events.Notification{Kind: events.ReconnectFailed, Attempt: m.attempt, Err: err})
	m.logger.Warn("connect attempt failed", "attempt", m.attempt, "error", err)

	if m.attempt >= m.cfg.MaxRetries {
		m.emit(events.Notification{Kind: events.ReconnectExhausted, MaxAttempts: m.cfg.MaxRetries})
		n := m.failPending(&MaxRetriesExceededError{Name: m.cfg.Name, Attempts: m.attempt, Err: err})
		m.logger.Error("dependency unavailable, giving up",
			"attempts", m.attempt,
			"failed_operations", n,
			"error", err,
		)
		m.attempt = 0
		m.setState(connection.Disconnected, "reconnect_exhausted")
		return
	}

	m.setState(connection.Reconnecting, "connect_failed")
	m.scheduleReconnect()
}

// lose handles the end of a live backend. Caller holds mu and the state is
// Connected.
func (m *Manager[B]) lose(reason string) {
	m.detach()
	m.emit(events.Notification{Kind: events.Disconnected, Reason: reason})
	m.logger.Warn("dependency lost", "reason", reason)

	m.setState(connection.Reconnecting, reason)
	m.scheduleReconnect()
}

func (m *Manager[B]) detach() {
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
	if m.hasBackend {
		m.closing = append(m.closing, m.backend)
		var zero B
		m.backend = zero
		m.hasBackend = false
	}
}

func (m *Manager[B]) scheduleReconnect() {
	if m.breaker.State() == breaker.Open {
		m.deferForBreaker()
		return
	}

	next := m.attempt + 1
	delay := m.backoff.Delay(next)
	m.emit(events.Notification{Kind: events.ReconnectScheduled, Attempt: next, Delay: delay})
	m.logger.Debug("reconnect scheduled", "attempt", next, "delay", delay)

	epoch := m.epoch
	m.timers.After(delay, func() {
		m.retry(epoch, "reconnect")
	})
}

func (m *Manager[B]) deferForBreaker() {
	delay := m.breaker.RetryAfter()
	if delay <= 0 {
		delay = m.cfg.Backoff.Base
	}
	m.logger.Info("circuit open, deferring attempt", "retry_after", delay)

	epoch := m.epoch
	m.timers.After(delay, func() {
		m.retry(epoch, "circuit_retry")
	})
}

// retry is the continuation of every scheduled attempt.
func (m *Manager[B]) retry(epoch uint64, reason string) {
	m.mu.Lock()
	defer m.unlock()

	if m.epoch != epoch || m.state != connection.Reconnecting {
		return
	}
	if err := m.breaker.Allow(); err != nil {
		m.deferForBreaker()
		return
	}
	m.setState(connection.Connecting, reason)
	m.beginDial(context.Background())
}

func (m *Manager[B]) onHealthFailed(epoch uint64, err error) {
	m.mu.Lock()
	defer m.unlock()

	if m.epoch != epoch || m.state != connection.Connected {
		return
	}
	m.breaker.RecordFailure()
	m.checkDegraded()
	m.emit(events.Notification{Kind: events.HealthCheckFailed, Err: err})
	m.lose(ReasonHealthCheck)
}

// checkDegraded publishes degraded once per outage when the circuit opens.
func (m *Manager[B]) checkDegraded() {
	if m.degraded || m.breaker.State() != breaker.Open {
		return
	}
	m.degraded = true
	m.emit(events.Notification{Kind: events.Degraded, Reason: "circuit_open"})
}

func (m *Manager[B]) setState(to connection.State, reason string) bool {
	from := m.state
	if !legal(from, to) {
		m.logger.Error("rejected state transition",
			"error", fmt.Errorf("%w: %s -> %s", connection.ErrInvalidTransition, from, to),
			"reason", reason,
		)
		return false
	}

	m.state = to
	m.epoch++
	m.emit(events.Notification{
		Kind:      events.StateChanged,
		State:     to.String(),
		PrevState: from.String(),
		Reason:    reason,
	})
	return true
}

func legal(from, to connection.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Manager[B]) enqueue(ctx context.Context, op Operation[B]) *pending[B] {
	m.seq++
	p := &pending[B]{seq: m.seq, ctx: ctx, op: op, done: make(chan result, 1)}
	m.requeue(p)
	return p
}

func (m *Manager[B]) requeue(p *pending[B]) {
	evicted, dropped := m.buf.Push(p)
	m.emit(events.Notification{Kind: events.ItemBuffered, BufferSize: m.buf.Len()})
	if dropped {
		m.logger.Warn("operation buffer full, dropped oldest operation",
			"op", evicted.Payload.seq,
			"queued_for", time.Since(evicted.EnqueuedAt),
		)
		evicted.Payload.complete(nil, ErrDropped)
		m.emit(events.Notification{Kind: events.ItemDropped, Item: evicted.Payload.seq})
	}
}

func (m *Manager[B]) failPending(err error) int {
	items := m.buf.DrainAll()
	for _, p := range items {
		p.complete(nil, err)
	}
	return len(items)
}

func (m *Manager[B]) emit(n events.Notification) {
	n.Source = events.SourceDependency
	if n.At.IsZero() {
		n.At = time.Now()
	}
	m.outbox = append(m.outbox, n)
}

// unlock releases mu, closes detached backends and delivers queued
// notifications in order from one goroutine at a time.
func (m *Manager[B]) unlock() {
	closing := m.closing
	m.closing = nil
	deliver := !m.delivering && len(m.outbox) > 0
	if deliver {
		m.delivering = true
	}
	m.mu.Unlock()

	for _, b := range closing {
		if err := b.Close(); err != nil {
			m.logger.Debug("failed to close backend", "error", err)
		}
	}

	if !deliver {
		return
	}
	for {
		m.mu.Lock()
		batch := m.outbox
		m.outbox = nil
		if len(batch) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		for _, n := range batch {
			m.bus.Publish(n)
		}
	}
}
