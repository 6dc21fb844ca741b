package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/dashlink/internal/api"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/router"
)

// collector is a Sink that records envelopes.
type collector struct {
	mu   sync.Mutex
	envs []router.Envelope
}

func (c *collector) sink(env router.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) all() []router.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Envelope(nil), c.envs...)
}

// fetcherFunc adapts a function to Fetcher.
type fetcherFunc func(ctx context.Context, path string) (json.RawMessage, error)

func (f fetcherFunc) GetJSON(ctx context.Context, path string, _ url.Values) (json.RawMessage, error) {
	return f(ctx, path)
}

func stopPoller(t *testing.T, p *Poller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize([]byte(`{"b": 1, "a": {"y": [1, 2], "x": 1.50}}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"a":{"x":1.50,"y":[1,2]},"b":1}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":{"x":1.50,"y":[1,2]},"b":1}`, string(a))

	_, err = Canonicalize([]byte(`{broken`))
	assert.Error(t, err)
}

func TestPoller_EmitsOnlyOnChange(t *testing.T) {
	var calls atomic.Int32
	responses := []string{
		`{"active": 1, "queued": 0}`,
		`{"queued": 0, "active": 1}`, // Same content, different key order
		`{"active": 2, "queued": 0}`,
	}
	fetch := fetcherFunc(func(context.Context, string) (json.RawMessage, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		return json.RawMessage(responses[n]), nil
	})

	var out collector
	p := New(Config{
		Endpoints: []Endpoint{{Name: "kpis", Path: "/api/kpis", EventType: "kpi_update"}},
		Interval:  10 * time.Millisecond,
	}, fetch, out.sink, nil)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 5 }, time.Second, 5*time.Millisecond)
	stopPoller(t, p)

	envs := out.all()
	require.Len(t, envs, 2)
	assert.Equal(t, "kpi_update", envs[0].Type)
	assert.Equal(t, router.SourcePoll, envs[0].Source)
	assert.JSONEq(t, `{"active":1,"queued":0}`, string(envs[0].Payload))
	assert.JSONEq(t, `{"active":2,"queued":0}`, string(envs[1].Payload))
	assert.NotEqual(t, envs[0].ID, envs[1].ID)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Changes)
	assert.Equal(t, int64(0), stats[0].Errors)
}

func TestPublish_DeliversPolledChangeAsMessage(t *testing.T) {
	fetch := fetcherFunc(func(context.Context, string) (json.RawMessage, error) {
		return json.RawMessage(`{"agents": 3}`), nil
	})

	bus := events.NewBus()
	var mu sync.Mutex
	var got []events.Notification
	bus.Subscribe(func(n events.Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	}, events.Message)

	p := New(Config{
		Endpoints: []Endpoint{{Name: "agents", Path: "/agents", EventType: "agents_updated"}},
		Interval:  10 * time.Millisecond,
	}, fetch, Publish(bus, events.SourceChannel), nil)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)
	stopPoller(t, p)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "unchanged responses are not republished")
	n := got[0]
	assert.Equal(t, events.Message, n.Kind)
	assert.Equal(t, events.SourceChannel, n.Source)
	assert.False(t, n.At.IsZero())
	require.NotNil(t, n.Envelope)
	assert.Equal(t, "agents_updated", n.Envelope.Type)
	assert.Equal(t, router.SourcePoll, n.Envelope.Source)
	assert.JSONEq(t, `{"agents":3}`, string(n.Envelope.Payload))
}

func TestPoller_StopsFailingEndpointOnly(t *testing.T) {
	var healthyCalls, failingCalls atomic.Int32
	fetch := fetcherFunc(func(_ context.Context, path string) (json.RawMessage, error) {
		if path == "/api/broken" {
			failingCalls.Add(1)
			return nil, errors.New("503 service unavailable")
		}
		healthyCalls.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	})

	p := New(Config{
		Endpoints: []Endpoint{
			{Name: "broken", Path: "/api/broken", EventType: "x"},
			{Name: "sessions", Path: "/api/sessions", EventType: "session_update"},
		},
		Interval:  5 * time.Millisecond,
		MaxErrors: 3,
	}, fetch, nil, nil)

	require.NoError(t, p.Start(context.Background()))
	defer stopPoller(t, p)

	require.Eventually(t, func() bool { return p.Stats()[0].Stopped }, time.Second, 5*time.Millisecond)
	before := healthyCalls.Load()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(3), failingCalls.Load())
	assert.Greater(t, healthyCalls.Load(), before)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats[0].Errors)
	assert.False(t, stats[1].Stopped)
}

func TestPoller_ErrorCountResetsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	fetch := fetcherFunc(func(context.Context, string) (json.RawMessage, error) {
		// fail, fail, ok, fail, fail, ok, ...
		if calls.Add(1)%3 != 0 {
			return nil, errors.New("timeout")
		}
		return json.RawMessage(`{}`), nil
	})

	p := New(Config{
		Endpoints: []Endpoint{{Name: "kpis", Path: "/api/kpis", EventType: "kpi"}},
		Interval:  5 * time.Millisecond,
		MaxErrors: 3,
	}, fetch, nil, nil)

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 9 }, time.Second, 5*time.Millisecond)
	stopPoller(t, p)

	assert.False(t, p.Stats()[0].Stopped)
}

func TestPoller_StartStopIdempotent(t *testing.T) {
	var calls atomic.Int32
	fetch := fetcherFunc(func(context.Context, string) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})

	p := New(Config{
		Endpoints: []Endpoint{{Name: "kpis", Path: "/api/kpis", EventType: "kpi"}},
		Interval:  time.Hour,
	}, fetch, nil, nil)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Running())

	stopPoller(t, p)
	stopPoller(t, p)
	assert.False(t, p.Running())

	// A restart polls again immediately.
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	stopPoller(t, p)
}

func TestPoller_WithAPIClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"path":     r.URL.Path,
			"sessions": []string{"a", "b"},
		})
	}))
	defer server.Close()

	client := api.NewClient(server.URL, nil, api.WithTimeout(5*time.Second))

	var out collector
	p := New(Config{
		Endpoints: []Endpoint{
			{Name: "sessions", Path: "/api/sessions", EventType: "session_update"},
			{Name: "alerts", Path: "/api/alerts", EventType: "alert"},
		},
		Interval: time.Hour,
	}, client, out.sink, nil)

	require.NoError(t, p.Start(context.Background()))
	defer stopPoller(t, p)

	require.Eventually(t, func() bool { return len(out.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	types := map[string]bool{}
	for _, env := range out.all() {
		types[env.Type] = true
	}
	assert.True(t, types["session_update"])
	assert.True(t, types["alert"])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxErrors)
}
