package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/dashlink/internal/breaker"
	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/health"
	"github.com/rickgao/dashlink/internal/router"
)

var errRefused = errors.New("connection refused")

func TestSupervisor_SendWhileDisconnected(t *testing.T) {
	s, rec := newTestSupervisor(t, testConfig(), &fakeDialer{}, nil)

	require.NoError(t, s.Send(envelope("1")))

	assert.Equal(t, 1, s.Status().BufferSize)
	n, ok := rec.find(events.ItemBuffered)
	require.True(t, ok)
	assert.Equal(t, 1, n.BufferSize)
	assert.Equal(t, events.SourceChannel, n.Source)
}

func TestSupervisor_SendRejectsInvalidEnvelope(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(), &fakeDialer{}, nil)

	assert.ErrorIs(t, s.Send(router.Envelope{}), router.ErrMissingType)
	assert.Error(t, s.Send(router.Envelope{Type: "chat", Payload: []byte("{not json")}))
	assert.Equal(t, 0, s.Status().BufferSize)
}

func TestSupervisor_BufferOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferSize = 2
	s, rec := newTestSupervisor(t, cfg, &fakeDialer{}, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(envelope(fmt.Sprint(i))))
	}

	assert.Equal(t, 2, s.Status().BufferSize)
	n, ok := rec.find(events.ItemDropped)
	require.True(t, ok)
	assert.Equal(t, "0", n.Item.(router.Envelope).ID)
}

func TestSupervisor_ReplayOnConnect(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(envelope(fmt.Sprint(i))))
	}

	s.Connect(context.Background())

	require.Equal(t, Connected, s.State())
	assert.Equal(t, []string{"0", "1", "2"}, d.last().sentIDs(t))
	assert.Equal(t, 0, s.Status().BufferSize)

	n, ok := rec.find(events.Connected)
	require.True(t, ok)
	assert.Equal(t, 0, n.Attempt)
}

func TestSupervisor_SendWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())

	require.NoError(t, s.Send(envelope("live")))

	assert.Equal(t, []string{"live"}, d.last().sentIDs(t))
	assert.Equal(t, 0, rec.count(events.ItemBuffered))
}

func TestSupervisor_ConnectIgnoredUnlessDisconnected(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSupervisor(t, testConfig(), d, nil)

	s.Connect(context.Background())
	s.Connect(context.Background())

	assert.Equal(t, 1, d.dials())
}

func TestSupervisor_FallbackBeforeThirdAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	d := &fakeDialer{defaultErr: errRefused}
	fb := &fakeFallback{}
	s, rec := newTestSupervisor(t, cfg, d, fb)

	s.Connect(context.Background())

	require.Eventually(t, func() bool {
		return rec.count(events.PollingEnabled) == 1
	}, time.Second, 5*time.Millisecond)

	// Nothing else may be attempted before the grace period.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, []events.Kind{
		events.ReconnectFailed,
		events.ReconnectScheduled,
		events.ReconnectFailed,
		events.ReconnectExhausted,
		events.PollingEnabled,
		events.Degraded,
	}, rec.kinds())

	scheduled, _ := rec.find(events.ReconnectScheduled)
	assert.Equal(t, 2, scheduled.Attempt)
	assert.Equal(t, 10*time.Millisecond, scheduled.Delay)

	exhausted, _ := rec.find(events.ReconnectExhausted)
	assert.Equal(t, 2, exhausted.MaxAttempts)

	st := s.Status()
	assert.Equal(t, PollingFallback, st.State)
	assert.True(t, st.Polling)
	assert.Equal(t, 2, st.Attempt)
	assert.True(t, fb.running())
}

func TestSupervisor_RedialFromFallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.FallbackGrace = 20 * time.Millisecond
	d := &fakeDialer{results: []error{errRefused, errRefused}}
	fb := &fakeFallback{}
	s, rec := newTestSupervisor(t, cfg, d, fb)

	s.Connect(context.Background())
	require.Equal(t, PollingFallback, s.State())

	require.Eventually(t, func() bool {
		return rec.count(events.PollingDisabled) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, 3, d.dials())
	assert.False(t, fb.running())
	assert.Equal(t, 1, fb.starts)

	n, _ := rec.find(events.Connected)
	assert.Equal(t, 2, n.Attempt)
	assert.Equal(t, 0, s.Status().Attempt)
}

func TestSupervisor_SendDuringFallbackReplaysOnRedial(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.FallbackGrace = 40 * time.Millisecond
	d := &fakeDialer{results: []error{errRefused, errRefused}}
	fb := &fakeFallback{}
	s, rec := newTestSupervisor(t, cfg, d, fb)

	s.Connect(context.Background())
	require.Equal(t, PollingFallback, s.State())
	require.True(t, fb.running())

	require.NoError(t, s.Send(envelope("a")))
	require.NoError(t, s.Send(envelope("b")))
	assert.Equal(t, 2, s.Status().BufferSize)
	assert.Equal(t, 2, rec.count(events.ItemBuffered))

	require.Eventually(t, func() bool {
		return s.State() == Connected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(d.last().sentIDs(t)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, d.last().sentIDs(t))
	assert.Equal(t, 0, s.Status().BufferSize)
	assert.False(t, fb.running())
	assert.Equal(t, 1, rec.count(events.PollingDisabled))
}

func TestSupervisor_DisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, 1, rec.count(events.Disconnected))
	n, _ := rec.find(events.Disconnected)
	assert.Equal(t, ReasonClientClose, n.Reason)
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, d.last().isClosed())
	assert.Equal(t, 0, s.timers.Len())

	before := len(rec.all())
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.all(), before)
}

func TestSupervisor_DisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Base = 30 * time.Millisecond
	cfg.Backoff.MaxDelay = 100 * time.Millisecond
	d := &fakeDialer{defaultErr: errRefused}
	s, rec := newTestSupervisor(t, cfg, d, nil)

	s.Connect(context.Background())
	require.Equal(t, Reconnecting, s.State())
	require.Equal(t, 1, s.timers.Len())

	s.Disconnect()
	assert.Equal(t, 0, s.timers.Len())

	before := len(rec.all())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Len(t, rec.all(), before)
	assert.Equal(t, 0, rec.count(events.Disconnected))
}

func TestSupervisor_ShutdownPreservesBuffer(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(), &fakeDialer{}, nil)

	require.NoError(t, s.Send(envelope("a")))
	require.NoError(t, s.Send(envelope("b")))

	s.Shutdown(true)
	assert.Equal(t, 2, s.Status().BufferSize)

	s.Disconnect()
	assert.Equal(t, 0, s.Status().BufferSize)
}

func TestSupervisor_TransportLossReconnects(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())
	first := d.last()

	first.fail(&TransportError{Op: "read", Err: errors.New("connection reset by peer")})

	require.Eventually(t, func() bool {
		return rec.count(events.Connected) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, d.dials())
	assert.True(t, first.isClosed())
	n, _ := rec.find(events.Disconnected)
	assert.Equal(t, "transport_error", n.Reason)
	assert.Equal(t, Connected, s.State())
}

func TestSupervisor_LogoutDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())

	d.last().fail(&TransportError{
		Op:  "read",
		Err: &websocket.CloseError{Code: CloseLogout, Text: ReasonLogout},
	})

	require.Eventually(t, func() bool {
		return rec.count(events.Disconnected) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, 0, rec.count(events.ReconnectScheduled))
	n, _ := rec.find(events.Disconnected)
	assert.Equal(t, ReasonLogout, n.Reason)
}

func TestSupervisor_InboundMessages(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())

	c := d.last()
	c.push(`{"type":"pong"}`)
	c.push(`{not json}`)
	c.push(`{"id":"m1","type":"kpi","payload":{"active":4}}`)

	require.Eventually(t, func() bool {
		return rec.count(events.Message) == 1
	}, time.Second, 5*time.Millisecond)

	n, _ := rec.find(events.Message)
	require.NotNil(t, n.Envelope)
	assert.Equal(t, "m1", n.Envelope.ID)
	assert.Equal(t, "kpi", n.Envelope.Type)
	assert.Equal(t, router.SourcePush, n.Envelope.Source)
}

func TestSupervisor_SendFailureRebuffers(t *testing.T) {
	d := &fakeDialer{onNew: func(i int, c *fakeClient) {
		if i == 0 {
			c.sendErr = errors.New("broken pipe")
		}
	}}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())

	require.NoError(t, s.Send(envelope("x")))

	n, ok := rec.find(events.Disconnected)
	require.True(t, ok)
	assert.Equal(t, ReasonSendFailed, n.Reason)

	require.Eventually(t, func() bool {
		return rec.count(events.Connected) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x"}, d.last().sentIDs(t))
	assert.Equal(t, 0, s.Status().BufferSize)
}

func TestSupervisor_ReplayFailureRebuffersRemainder(t *testing.T) {
	d := &fakeDialer{onNew: func(i int, c *fakeClient) {
		if i == 0 {
			c.failAfter = 1
		}
	}}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(envelope(fmt.Sprint(i))))
	}
	s.Connect(context.Background())

	require.Eventually(t, func() bool {
		return rec.count(events.Connected) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"0"}, d.client(0).sentIDs(t))
	assert.Equal(t, []string{"1", "2"}, d.client(1).sentIDs(t))
	assert.Equal(t, 0, s.Status().BufferSize)
}

func TestSupervisor_CircuitOpenDefersAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.Breaker = breaker.Config{Name: "channel", Threshold: 1, OpenTimeout: 40 * time.Millisecond}
	d := &fakeDialer{defaultErr: errRefused}
	s, rec := newTestSupervisor(t, cfg, d, nil)

	s.Connect(context.Background())
	assert.Equal(t, breaker.Open, s.Status().CircuitState)
	assert.Equal(t, 0, rec.count(events.ReconnectScheduled))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "attempted while circuit open")

	require.Eventually(t, func() bool { return d.dials() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.count(events.ReconnectScheduled))
}

func TestSupervisor_ForceReconnect(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSupervisor(t, testConfig(), d, nil)
	s.Connect(context.Background())
	first := d.last()

	s.ForceReconnect(context.Background())

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, 2, d.dials())
	assert.True(t, first.isClosed())
	n, _ := rec.find(events.Disconnected)
	assert.Equal(t, ReasonForceReconnect, n.Reason)
	assert.Equal(t, 2, rec.count(events.Connected))
}

func TestSupervisor_ForceReconnectLeavesFallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	d := &fakeDialer{results: []error{errRefused}}
	fb := &fakeFallback{}
	s, rec := newTestSupervisor(t, cfg, d, fb)

	s.Connect(context.Background())
	require.True(t, fb.running())

	s.ForceReconnect(context.Background())

	assert.Equal(t, Connected, s.State())
	assert.False(t, fb.running())
	assert.Equal(t, 1, rec.count(events.PollingDisabled))
	assert.Equal(t, 0, s.timers.Len())
}

func TestSupervisor_HealthCheckFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Health = health.Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	d := &fakeDialer{onNew: func(i int, c *fakeClient) {
		if i == 0 {
			c.pingErr = errors.New("no pong")
		}
	}}
	s, rec := newTestSupervisor(t, cfg, d, nil)
	s.Connect(context.Background())

	require.Eventually(t, func() bool {
		return rec.count(events.Connected) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, rec.count(events.HealthCheckFailed))
	n, _ := rec.find(events.Disconnected)
	assert.Equal(t, ReasonHealthCheck, n.Reason)
}

func TestSupervisor_History(t *testing.T) {
	s, rec := newTestSupervisor(t, testConfig(), &fakeDialer{}, nil)
	s.Connect(context.Background())
	s.Disconnect()

	var states []State
	for _, r := range s.History() {
		states = append(states, r.State)
	}
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, states)

	n, ok := rec.find(events.StateChanged)
	require.True(t, ok)
	assert.Equal(t, "connecting", n.State)
	assert.Equal(t, "disconnected", n.PrevState)
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		reason      string
		intentional bool
	}{
		{"logout code", &websocket.CloseError{Code: CloseLogout}, ReasonLogout, true},
		{"logout text", &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: ReasonLogout}, ReasonLogout, true},
		{"client close", &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: ReasonClientClose}, ReasonClientClose, true},
		{"server going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, "remote_close", false},
		{"wrapped", &TransportError{Op: "read", Err: &websocket.CloseError{Code: CloseLogout}}, ReasonLogout, true},
		{"network", errors.New("i/o timeout"), "transport_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, intentional := classifyClose(tt.err)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.intentional, intentional)
		})
	}
}
