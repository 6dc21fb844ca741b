package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/dependency"
	"github.com/rickgao/dashlink/internal/router"
)

// Sink stores a batch and reports how many envelopes were new.
type Sink interface {
	EnqueueBatch(ctx context.Context, envs []router.Envelope) (stored int, err error)
}

// Config contains configuration for the writer.
type Config struct {
	// BatchSize is the number of envelopes to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize bounds envelopes waiting to be batched.
	BufferSize int

	// FlushTimeout bounds a single flush, including time spent waiting for
	// the backend to reconnect.
	FlushTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
		FlushTimeout:  30 * time.Second,
	}
}

// Metrics contains writer statistics.
type Metrics struct {
	Received   int64 // Accepted by Write
	Dropped    int64 // Rejected by Write on a full buffer
	Stored     int64 // New envelopes stored
	Duplicates int64 // Envelopes the sink already held
	Failed     int64 // Envelopes in failed flushes
	Flushes    int64
}

// Writer consumes envelopes and flushes them to a Sink in batches.
type Writer struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	input chan router.Envelope

	// Batching
	batch   []router.Envelope
	batchMu sync.Mutex
	flushMu sync.Mutex // Serializes flushes so batches stay ordered

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

// New creates a Writer.
func New(cfg Config, sink Sink, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	return &Writer{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "writer"),
		input:  make(chan router.Envelope, cfg.BufferSize),
		batch:  make([]router.Envelope, 0, cfg.BatchSize),
	}
}

// Write queues env without blocking. It returns false when the buffer is full.
func (w *Writer) Write(env router.Envelope) bool {
	select {
	case w.input <- env:
		w.count(func(m *Metrics) { m.Received++ })
		return true
	default:
		w.count(func(m *Metrics) { m.Dropped++ })
		w.logger.Warn("writer buffer full, dropping envelope", "type", env.Type, "id", env.ID)
		return false
	}
}

// Start begins consuming envelopes.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts down the writer and flushes whatever is still queued.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	if w.cancel != nil {
		w.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for drained := false; !drained; {
		select {
		case env := <-w.input:
			w.add(env)
		default:
			drained = true
		}
	}
	w.flush(ctx)

	w.logger.Info("writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.metrics
}

func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case env := <-w.input:
			if w.add(env) {
				w.flush(w.ctx)
			}
		}
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends env to the batch and reports whether it is full.
func (w *Writer) add(env router.Envelope) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, env)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the sink.
func (w *Writer) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]router.Envelope, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FlushTimeout)
	defer cancel()

	stored, err := w.sink.EnqueueBatch(ctx, batch)
	if err != nil {
		w.count(func(m *Metrics) { m.Failed += int64(len(batch)) })
		switch {
		case breaker.IsOpen(err), errors.Is(err, dependency.ErrDropped), errors.Is(err, dependency.ErrClosed):
			w.logger.Debug("batch not stored", "count", len(batch), "error", err)
		default:
			w.logger.Error("batch insert failed", "count", len(batch), "error", err)
		}
		return
	}

	w.count(func(m *Metrics) {
		m.Stored += int64(stored)
		m.Duplicates += int64(len(batch) - stored)
		m.Flushes++
	})

	w.logger.Debug("flushed envelopes",
		"count", len(batch),
		"duplicates", len(batch)-stored,
		"duration", time.Since(start),
	)
}

func (w *Writer) count(fn func(*Metrics)) {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	fn(&w.metrics)
}
