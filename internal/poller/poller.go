package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/router"
)

// Fetcher retrieves one JSON document. *api.Client implements it.
type Fetcher interface {
	GetJSON(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
}

// Sink receives envelopes synthesized from changed responses. It is called
// from the endpoint goroutines and must not block.
type Sink func(router.Envelope)

// Publish returns a Sink that publishes every envelope as a message
// notification from source, so subscribers see polled changes exactly as
// they see pushed frames. Envelope.Source tells the two paths apart.
func Publish(bus events.Publisher, source events.Source) Sink {
	return func(env router.Envelope) {
		bus.Publish(events.Notification{Kind: events.Message, Source: source, Envelope: &env})
	}
}

// Endpoint is one polled resource.
type Endpoint struct {
	Name      string        `yaml:"name"`
	Path      string        `yaml:"path"`
	EventType string        `yaml:"event_type"` // Envelope type emitted on change
	Interval  time.Duration `yaml:"interval"`   // Zero uses Config.Interval
}

// Config holds poller configuration.
type Config struct {
	Endpoints []Endpoint
	Interval  time.Duration // Default poll interval (default: 30s)
	Timeout   time.Duration // Per-request timeout (default: 10s)
	MaxErrors int           // Consecutive failures before an endpoint stops (default: 5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		Timeout:   10 * time.Second,
		MaxErrors: 5,
	}
}

// EndpointStats is a per-endpoint snapshot.
type EndpointStats struct {
	Name     string
	Polls    int64
	Changes  int64
	Errors   int64 // Consecutive failures
	Stopped  bool  // Gave up after MaxErrors
	LastPoll time.Time
}

type endpointState struct {
	ep EndpointStats

	last []byte // Canonical encoding of the last response
}

// Poller periodically fetches endpoints via the REST API.
type Poller struct {
	cfg     Config
	fetcher Fetcher
	sink    Sink
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	states  map[string]*endpointState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, fetcher Fetcher, sink Sink, logger *slog.Logger) *Poller {
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
	if cfg.MaxErrors < 1 {
		cfg.MaxErrors = def.MaxErrors
	}

	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		logger:  logger.With("component", "poller"),
		states:  make(map[string]*endpointState),
	}
}

// Start launches one goroutine per endpoint. Starting a running poller does
// nothing. Each start begins with fresh counters and an empty cache, so the
// first successful poll of every endpoint is emitted.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.states = make(map[string]*endpointState, len(p.cfg.Endpoints))

	for _, ep := range p.cfg.Endpoints {
		st := &endpointState{ep: EndpointStats{Name: ep.Name}}
		p.states[ep.Name] = st

		p.wg.Add(1)
		go p.run(ctx, ep, st)
	}

	p.logger.Info("polling fallback started",
		"endpoints", len(p.cfg.Endpoints),
		"interval", p.cfg.Interval,
	)

	return nil
}

// Stop cancels every endpoint goroutine and waits for them to exit or for
// ctx to expire. Stopping a stopped poller does nothing.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("polling fallback stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the poller is started.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns per-endpoint statistics in configuration order.
func (p *Poller) Stats() []EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStats, 0, len(p.cfg.Endpoints))
	for _, ep := range p.cfg.Endpoints {
		if st, ok := p.states[ep.Name]; ok {
			out = append(out, st.ep)
		}
	}
	return out
}

// run is one endpoint's polling loop.
func (p *Poller) run(ctx context.Context, ep Endpoint, st *endpointState) {
	defer p.wg.Done()

	interval := ep.Interval
	if interval <= 0 {
		interval = p.cfg.Interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Poll immediately on start.
	if !p.poll(ctx, ep, st) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.poll(ctx, ep, st) {
				return
			}
		}
	}
}

// poll fetches ep once. It returns false once the endpoint should stop.
func (p *Poller) poll(ctx context.Context, ep Endpoint, st *endpointState) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := p.fetcher.GetJSON(reqCtx, ep.Path, nil)
	if ctx.Err() != nil {
		return false
	}

	var canonical []byte
	if err == nil {
		canonical, err = Canonicalize(body)
	}

	p.mu.Lock()
	st.ep.Polls++
	st.ep.LastPoll = time.Now()

	if err != nil {
		st.ep.Errors++
		failures := st.ep.Errors
		giveUp := failures >= int64(p.cfg.MaxErrors)
		st.ep.Stopped = giveUp
		p.mu.Unlock()

		p.logger.Warn("failed to poll endpoint",
			"endpoint", ep.Name,
			"failures", failures,
			"error", err,
		)
		if giveUp {
			p.logger.Error("endpoint disabled after repeated failures",
				"endpoint", ep.Name,
				"max_errors", p.cfg.MaxErrors,
			)
			return false
		}
		return true
	}

	st.ep.Errors = 0
	changed := !bytes.Equal(st.last, canonical)
	if changed {
		st.last = canonical
		st.ep.Changes++
	}
	p.mu.Unlock()

	if changed && p.sink != nil {
		p.sink(router.Envelope{
			ID:         uuid.NewString(),
			Type:       ep.EventType,
			Payload:    canonical,
			Source:     router.SourcePoll,
			ReceivedAt: time.Now(),
		})
	}
	return true
}

// Canonicalize re-encodes a JSON document with object keys sorted and
// insignificant whitespace removed, so equal documents compare equal
// byte for byte. Numbers keep their original literal.
func Canonicalize(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}
