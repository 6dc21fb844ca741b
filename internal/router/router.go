package router

import (
	"context"
	"log/slog"
	"sync"
)

// HandlerFunc consumes envelopes of one type.
type HandlerFunc func(Envelope)

// Router fans envelopes out to per-type handlers on its own goroutine so
// slow handlers never block the connection layer.
type Router interface {
	// Start begins dispatching queued envelopes.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Handle registers fn for envelopes of msgType. "*" matches every type
	// without a dedicated handler.
	Handle(msgType string, fn HandlerFunc)

	// Submit queues env without blocking. It returns false when the queue
	// is full or the router is stopped.
	Submit(env Envelope) bool

	// Stats returns current router statistics.
	Stats() Stats
}

// Wildcard matches every message type without a dedicated handler.
const Wildcard = "*"

// router is the internal implementation.
type router struct {
	cfg    Config
	logger *slog.Logger

	input chan Envelope

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.RWMutex
	stopped         bool
	received        int64
	routed          int64
	unknownMessages int64
	dropped         int64
}

// New creates a new message Router.
func New(cfg Config, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &router{
		cfg:      cfg,
		logger:   logger,
		input:    make(chan Envelope, cfg.QueueSize),
		handlers: make(map[string]HandlerFunc),
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "queue_size", r.cfg.QueueSize)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
	}

	return nil
}

// Handle registers a handler for a message type.
func (r *router) Handle(msgType string, fn HandlerFunc) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[msgType] = fn
}

// Submit queues an envelope for dispatch.
func (r *router) Submit(env Envelope) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.received++
	r.mu.Unlock()

	select {
	case r.input <- env:
		return true
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("router queue full, dropping message",
			"type", env.Type,
			"source", env.Source,
		)
		return false
	}
}

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		UnknownMessages:  r.unknownMessages,
		Dropped:          r.dropped,
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case env := <-r.input:
			r.route(env)
		}
	}
}

// route dispatches a single envelope.
func (r *router) route(env Envelope) {
	r.handlersMu.RLock()
	fn, ok := r.handlers[env.Type]
	if !ok {
		fn, ok = r.handlers[Wildcard]
	}
	r.handlersMu.RUnlock()

	if !ok {
		r.logger.Debug("no handler for message type", "type", env.Type)
		r.mu.Lock()
		r.unknownMessages++
		r.mu.Unlock()
		return
	}

	fn(env)

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
}
