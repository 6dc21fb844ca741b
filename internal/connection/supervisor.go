package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/dashlink/internal/backoff"
	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/buffer"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/health"
	"github.com/rickgao/dashlink/internal/router"
	"github.com/rickgao/dashlink/internal/schedule"
)

// ClientFactory returns a fresh, unconnected Client.
type ClientFactory func() Client

// Fallback is the delivery path used while the push channel is unavailable.
// Start and Stop are called with the supervisor's lock held and must be
// idempotent.
type Fallback interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type noFallback struct{}

func (noFallback) Start(context.Context) error { return nil }
func (noFallback) Stop(context.Context) error  { return nil }

const fallbackStopTimeout = 5 * time.Second

// Supervisor owns the push channel's lifecycle.
//
// Every state change bumps an epoch. Timer callbacks and dial results carry
// the epoch they were started under and are discarded once it has moved on.
// Notifications raised while the lock is held are queued and delivered in
// order after it is released.
type Supervisor struct {
	cfg       Config
	newClient ClientFactory
	fallback  Fallback
	bus       events.Publisher
	logger    *slog.Logger

	breaker *breaker.Breaker
	backoff *backoff.Scheduler
	timers  *schedule.Set
	buf     *buffer.Bounded[router.Envelope]
	history *History

	mu         sync.Mutex
	state      State
	epoch      uint64
	attempt    int
	polling    bool
	client     Client
	monitor    *health.Monitor
	dialCancel context.CancelFunc

	outbox     []events.Notification
	closing    []Client
	delivering bool
}

// NewSupervisor creates a Supervisor in the Disconnected state.
func NewSupervisor(cfg Config, newClient ClientFactory, fallback Fallback, bus events.Publisher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = noFallback{}
	}
	if bus == nil {
		bus = events.Discard
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.FallbackGrace <= 0 {
		cfg.FallbackGrace = def.FallbackGrace
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = def.HistorySize
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	logger = logger.With("component", "supervisor")

	s := &Supervisor{
		cfg:       cfg,
		newClient: newClient,
		fallback:  fallback,
		bus:       bus,
		logger:    logger,
		breaker:   breaker.New(cfg.Breaker),
		backoff:   backoff.NewScheduler(cfg.Backoff, seed),
		timers:    schedule.NewSet(),
		buf:       buffer.New[router.Envelope](cfg.MaxBufferSize),
		history:   NewHistory(cfg.HistorySize),
		state:     Disconnected,
	}
	s.breaker.OnStateChange = func(from, to breaker.State) {
		logger.Info("channel circuit changed", "from", from, "to", to)
	}
	return s
}

// Connect starts the push channel and waits for the first attempt to
// resolve. A failed attempt is retried in the background. Connect does
// nothing unless the supervisor is Disconnected.
func (s *Supervisor) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state != Disconnected {
		s.unlock()
		return
	}
	s.setState(Connecting, "connect")
	if err := s.breaker.Allow(); err != nil {
		s.setState(Reconnecting, "circuit_open")
		s.deferForBreaker()
		s.unlock()
		return
	}
	dctx, cancel, epoch := s.beginDial(ctx)
	s.unlock()

	s.dial(dctx, cancel, epoch)
}

// Send transmits env if the channel is up and buffers it otherwise. It only
// fails for envelopes that cannot be encoded.
func (s *Supervisor) Send(env router.Envelope) error {
	if env.Type == "" {
		return router.ErrMissingType
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	s.mu.Lock()
	defer s.unlock()

	if s.state != Connected {
		s.enqueue(env)
		return nil
	}

	if err := s.client.Send(data); err != nil {
		s.logger.Warn("send failed", "type", env.Type, "error", err)
		s.enqueue(env)
		s.lose(ReasonSendFailed, false)
	}
	return nil
}

// Status returns a snapshot for display.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:        s.state,
		CircuitState: s.breaker.State(),
		BufferSize:   s.buf.Len(),
		Attempt:      s.attempt,
		Polling:      s.polling,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns recent transitions, oldest first.
func (s *Supervisor) History() []Record {
	return s.history.Records()
}

// BufferStats returns outbound buffer statistics.
func (s *Supervisor) BufferStats() buffer.Stats {
	return s.buf.Stats()
}

// ForceReconnect drops the current transport, if any, and dials at once,
// bypassing backoff and the circuit breaker. It is a no-op while an attempt
// is already in flight.
func (s *Supervisor) ForceReconnect(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case Connecting:
		s.unlock()
		return
	case Connected:
		s.detach()
		s.emit(events.Notification{Kind: events.Disconnected, Reason: ReasonForceReconnect})
	}
	s.timers.Stop()

	s.setState(Connecting, ReasonForceReconnect)
	dctx, cancel, epoch := s.beginDial(ctx)
	s.unlock()

	s.dial(dctx, cancel, epoch)
}

// Disconnect tears the supervisor down and discards buffered events.
func (s *Supervisor) Disconnect() {
	s.Shutdown(false)
}

// Shutdown cancels every pending timer, stops pinging and polling, closes
// the transport and leaves the supervisor Disconnected. Buffered events are
// kept only when preserve is true. Calling Shutdown again has no effect
// beyond clearing the buffer.
func (s *Supervisor) Shutdown(preserve bool) {
	s.mu.Lock()
	defer s.unlock()

	s.timers.Stop()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.polling {
		s.stopFallback()
	}

	if s.state == Connected {
		s.detach()
		s.emit(events.Notification{Kind: events.Disconnected, Reason: ReasonClientClose})
	}
	if s.state != Disconnected {
		s.setState(Disconnected, "shutdown")
		s.logger.Info("supervisor shut down", "preserve_buffer", preserve)
	}

	if !preserve {
		if n := s.buf.Clear(); n > 0 {
			s.logger.Info("discarded buffered events", "count", n)
		}
	}
}

// beginDial prepares the context for a dial from the Connecting state.
// Caller holds mu.
func (s *Supervisor) beginDial(parent context.Context) (context.Context, context.CancelFunc, uint64) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.ConnectTimeout)
	s.dialCancel = cancel
	return ctx, cancel, s.epoch
}

// dial runs one connection attempt without holding mu and applies the
// result if nothing else happened meanwhile.
func (s *Supervisor) dial(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	defer cancel()

	c := s.newClient()
	err := c.Connect(ctx)

	s.mu.Lock()
	if s.epoch != epoch || s.state != Connecting {
		s.mu.Unlock()
		if err == nil {
			s.breaker.RecordSuccess()
			c.Close()
		} else {
			s.breaker.Release()
		}
		return
	}
	s.dialCancel = nil

	if err != nil {
		s.onConnectFailed(err)
	} else {
		s.onConnected(c)
	}
	s.unlock()
}

// onConnected moves to Connected and replays the buffer. Caller holds mu.
func (s *Supervisor) onConnected(c Client) {
	prev := s.attempt
	s.attempt = 0
	s.client = c
	s.breaker.RecordSuccess()

	if s.polling {
		s.stopFallback()
	}
	s.setState(Connected, "connected")
	s.emit(events.Notification{Kind: events.Connected, Attempt: prev})
	s.logger.Info("push channel connected", "failed_attempts", prev)

	epoch := s.epoch
	s.monitor = health.New(s.cfg.Health, c.Ping, func(err error) {
		s.onHealthFailed(epoch, err)
	}, s.logger)
	s.monitor.Start()

	go s.watch(c, epoch)

	s.replay()
}

// replay drains the buffer through the live transport in order. On the
// first failure the rest is put back and the loss is handled.
func (s *Supervisor) replay() {
	items := s.buf.DrainAll()
	for i, env := range items {
		data, err := json.Marshal(env)
		if err != nil {
			s.logger.Warn("dropping unencodable buffered event", "type", env.Type, "error", err)
			continue
		}
		if err := s.client.Send(data); err != nil {
			for _, rest := range items[i:] {
				s.buf.Push(rest)
			}
			s.logger.Warn("replay interrupted",
				"sent", i,
				"remaining", len(items)-i,
				"error", err,
			)
			s.lose(ReasonReplayFailed, false)
			return
		}
	}
	if len(items) > 0 {
		s.logger.Info("replayed buffered events", "count", len(items))
	}
}

// onConnectFailed records a failed attempt and decides what comes next.
// Caller holds mu.
func (s *Supervisor) onConnectFailed(err error) {
	s.breaker.RecordFailure()
	s.attempt++
	s.emit(events.Notification{Kind: events.ReconnectFailed, Attempt: s.attempt, Err: err})
	s.logger.Warn("connect attempt failed", "attempt", s.attempt, "error", err)

	if s.polling {
		s.setState(PollingFallback, "redial_failed")
		s.scheduleRedial()
		return
	}

	if s.attempt >= s.cfg.MaxRetries {
		s.emit(events.Notification{Kind: events.ReconnectExhausted, MaxAttempts: s.cfg.MaxRetries})
		s.enterFallback()
		return
	}

	s.setState(Reconnecting, "connect_failed")
	s.scheduleReconnect()
}

// lose handles the end of a live connection. Caller holds mu and the
// state is Connected.
func (s *Supervisor) lose(reason string, intentional bool) {
	s.detach()
	s.emit(events.Notification{Kind: events.Disconnected, Reason: reason})

	if intentional {
		s.logger.Info("push channel closed", "reason", reason)
		s.setState(Disconnected, reason)
		return
	}

	s.logger.Warn("push channel lost", "reason", reason)
	s.setState(Reconnecting, reason)
	s.scheduleReconnect()
}

// detach stops pinging and queues the transport for closing.
func (s *Supervisor) detach() {
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if s.client != nil {
		s.closing = append(s.closing, s.client)
		s.client = nil
	}
}

func (s *Supervisor) scheduleReconnect() {
	if s.breaker.State() == breaker.Open {
		s.deferForBreaker()
		return
	}

	next := s.attempt + 1
	delay := s.backoff.Delay(next)
	s.emit(events.Notification{Kind: events.ReconnectScheduled, Attempt: next, Delay: delay})
	s.logger.Info("reconnect scheduled", "attempt", next, "delay", delay)

	epoch := s.epoch
	s.timers.After(delay, func() {
		s.retry(epoch, Reconnecting, "reconnect")
	})
}

// deferForBreaker waits out the circuit's cool-down without consuming an
// attempt.
func (s *Supervisor) deferForBreaker() {
	delay := s.breaker.RetryAfter()
	if delay <= 0 {
		delay = s.cfg.Backoff.Base
	}
	s.logger.Info("circuit open, deferring attempt", "retry_after", delay)

	epoch, state := s.epoch, s.state
	s.timers.After(delay, func() {
		s.retry(epoch, state, "circuit_retry")
	})
}

func (s *Supervisor) enterFallback() {
	s.setState(PollingFallback, "reconnect_exhausted")
	s.polling = true
	if err := s.fallback.Start(context.Background()); err != nil {
		s.logger.Error("failed to start polling fallback", "error", err)
	}
	s.emit(events.Notification{Kind: events.PollingEnabled})
	s.emit(events.Notification{Kind: events.Degraded, Reason: "polling"})
	s.logger.Warn("push channel unavailable, polling enabled",
		"max_retries", s.cfg.MaxRetries,
		"redial_after", s.cfg.FallbackGrace,
	)
	s.scheduleRedial()
}

func (s *Supervisor) stopFallback() {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackStopTimeout)
	defer cancel()

	if err := s.fallback.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop polling fallback", "error", err)
	}
	s.polling = false
	s.emit(events.Notification{Kind: events.PollingDisabled})
}

func (s *Supervisor) scheduleRedial() {
	epoch := s.epoch
	s.timers.After(s.cfg.FallbackGrace, func() {
		s.retry(epoch, PollingFallback, "redial")
	})
}

// retry is the continuation of every scheduled attempt.
func (s *Supervisor) retry(epoch uint64, want State, reason string) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != want {
		s.mu.Unlock()
		return
	}
	if err := s.breaker.Allow(); err != nil {
		s.deferForBreaker()
		s.unlock()
		return
	}
	s.setState(Connecting, reason)
	ctx, cancel, next := s.beginDial(context.Background())
	s.unlock()

	s.dial(ctx, cancel, next)
}

// watch forwards inbound frames and the transport's terminal error.
func (s *Supervisor) watch(c Client, epoch uint64) {
	for {
		select {
		case <-c.Done():
			return
		case msg := <-c.Messages():
			s.deliver(epoch, msg)
		case err := <-c.Errors():
			// Frames read before the failure still belong to this connection.
			for drained := false; !drained; {
				select {
				case msg := <-c.Messages():
					s.deliver(epoch, msg)
				default:
					drained = true
				}
			}
			s.onTransportError(epoch, err)
			return
		}
	}
}

func (s *Supervisor) deliver(epoch uint64, msg TimestampedMessage) {
	env, err := router.Parse(msg.Data, msg.ReceivedAt)
	if err != nil {
		s.logger.Warn("failed to parse message", "error", err)
		return
	}
	if env.IsControl() {
		return
	}

	s.mu.Lock()
	if s.epoch == epoch && s.state == Connected {
		s.emit(events.Notification{Kind: events.Message, Envelope: &env})
	}
	s.unlock()
}

func (s *Supervisor) onTransportError(epoch uint64, err error) {
	s.mu.Lock()
	defer s.unlock()

	if s.epoch != epoch || s.state != Connected {
		return
	}
	reason, intentional := classifyClose(err)
	s.logger.Debug("transport ended", "reason", reason, "error", err)
	s.lose(reason, intentional)
}

func (s *Supervisor) onHealthFailed(epoch uint64, err error) {
	s.mu.Lock()
	defer s.unlock()

	if s.epoch != epoch || s.state != Connected {
		return
	}
	s.emit(events.Notification{Kind: events.HealthCheckFailed, Err: err})
	s.lose(ReasonHealthCheck, false)
}

// classifyClose maps a transport error to a disconnect reason and reports
// whether the close was deliberate.
func classifyClose(err error) (reason string, intentional bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == CloseLogout || ce.Text == ReasonLogout:
			return ReasonLogout, true
		case ce.Text == ReasonClientClose:
			return ReasonClientClose, true
		}
		return "remote_close", false
	}
	return "transport_error", false
}

// setState applies a legal transition. Caller holds mu.
func (s *Supervisor) setState(to State, reason string) bool {
	from := s.state
	if err := validateTransition(from, to); err != nil {
		s.logger.Error("rejected state transition", "error", err, "reason", reason)
		return false
	}

	s.state = to
	s.epoch++
	s.history.Add(Record{State: to, Reason: reason, At: time.Now()})
	s.emit(events.Notification{
		Kind:      events.StateChanged,
		State:     to.String(),
		PrevState: from.String(),
		Reason:    reason,
	})
	return true
}

func (s *Supervisor) enqueue(env router.Envelope) {
	evicted, dropped := s.buf.Push(env)
	s.emit(events.Notification{Kind: events.ItemBuffered, BufferSize: s.buf.Len()})
	if dropped {
		s.logger.Warn("outbound buffer full, dropped oldest event",
			"type", evicted.Payload.Type,
			"id", evicted.Payload.ID,
			"queued_for", time.Since(evicted.EnqueuedAt),
		)
		s.emit(events.Notification{Kind: events.ItemDropped, Item: evicted.Payload})
	}
}

func (s *Supervisor) emit(n events.Notification) {
	n.Source = events.SourceChannel
	if n.At.IsZero() {
		n.At = time.Now()
	}
	s.outbox = append(s.outbox, n)
}

// unlock releases mu, closes detached transports and delivers queued
// notifications. One goroutine delivers at a time so subscribers see
// notifications in the order they were raised; a subscriber calling back
// into the supervisor has its notifications delivered after it returns.
func (s *Supervisor) unlock() {
	closing := s.closing
	s.closing = nil
	deliver := !s.delivering && len(s.outbox) > 0
	if deliver {
		s.delivering = true
	}
	s.mu.Unlock()

	for _, c := range closing {
		if err := c.Close(); err != nil {
			s.logger.Debug("failed to close transport", "error", err)
		}
	}

	if !deliver {
		return
	}
	for {
		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		if len(batch) == 0 {
			s.delivering = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, n := range batch {
			s.bus.Publish(n)
		}
	}
}
