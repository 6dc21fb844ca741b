package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rickgao/dashlink/internal/backoff"
	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/health"
	"github.com/rickgao/dashlink/internal/router"
)

// fakeClient is an in-memory Client.
type fakeClient struct {
	connectErr error

	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	failAfter int // Send fails once this many frames were sent (0 = never)
	pingErr   error
	closed    bool

	messages  chan TimestampedMessage
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages: make(chan TimestampedMessage, 16),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.connectErr
}

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.failAfter > 0 && len(c.sent) >= c.failAfter {
		return &TransportError{Op: "write", Err: ErrNotConnected}
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeClient) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errs }
func (c *fakeClient) Done() <-chan struct{}               { return c.done }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) push(data string) {
	c.messages <- TimestampedMessage{Data: []byte(data), ReceivedAt: time.Now()}
}

func (c *fakeClient) fail(err error) {
	c.errs <- err
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) sentIDs(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sent))
	for _, data := range c.sent {
		var env router.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		ids = append(ids, env.ID)
	}
	return ids
}

// fakeDialer hands out fakeClients. The i-th dial fails with results[i]
// when set, otherwise with defaultErr.
type fakeDialer struct {
	results    []error
	defaultErr error
	onNew      func(i int, c *fakeClient)

	mu      sync.Mutex
	clients []*fakeClient
}

func (d *fakeDialer) factory() Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := len(d.clients)
	c := newFakeClient()
	if i < len(d.results) {
		c.connectErr = d.results[i]
	} else {
		c.connectErr = d.defaultErr
	}
	if d.onNew != nil {
		d.onNew(i, c)
	}
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

// fakeFallback records Start/Stop calls.
type fakeFallback struct {
	mu     sync.Mutex
	on     bool
	starts int
	stops  int
}

func (f *fakeFallback) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.on {
		f.on = true
		f.starts++
	}
	return nil
}

func (f *fakeFallback) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.on {
		f.on = false
		f.stops++
	}
	return nil
}

func (f *fakeFallback) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// recorder is an events.Publisher that keeps everything.
type recorder struct {
	mu sync.Mutex
	ns []events.Notification
}

func (r *recorder) Publish(n events.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
}

func (r *recorder) all() []events.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Notification(nil), r.ns...)
}

// kinds returns every recorded kind except state_changed.
func (r *recorder) kinds() []events.Kind {
	var out []events.Kind
	for _, n := range r.all() {
		if n.Kind != events.StateChanged {
			out = append(out, n.Kind)
		}
	}
	return out
}

func (r *recorder) count(k events.Kind) int {
	n := 0
	for _, x := range r.all() {
		if x.Kind == k {
			n++
		}
	}
	return n
}

func (r *recorder) find(k events.Kind) (events.Notification, bool) {
	for _, x := range r.all() {
		if x.Kind == k {
			return x, true
		}
	}
	return events.Notification{}, false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.Backoff = backoff.Config{
		Base:     5 * time.Millisecond,
		MaxDelay: 20 * time.Millisecond,
		Factor:   2,
	}
	cfg.Breaker = breaker.Config{Name: "channel", Threshold: 100, OpenTimeout: time.Second}
	cfg.MaxBufferSize = 10
	cfg.Health = health.Config{Interval: time.Hour, Timeout: time.Second}
	cfg.FallbackGrace = time.Hour
	cfg.Seed = 1
	return cfg
}

func newTestSupervisor(t *testing.T, cfg Config, d *fakeDialer, fb Fallback) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := NewSupervisor(cfg, d.factory, fb, rec, nil)
	t.Cleanup(s.Disconnect)
	return s, rec
}

func envelope(id string) router.Envelope {
	return router.Envelope{ID: id, Type: "chat", Payload: json.RawMessage(`{"text":"hi"}`)}
}
