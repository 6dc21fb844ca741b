package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestMonitor_PingsWhileHealthy(t *testing.T) {
	var pings atomic.Int32
	m := New(fastConfig(), func(context.Context) error {
		pings.Add(1)
		return nil
	}, func(error) { t.Error("unexpected failure report") }, nil)

	m.Start()
	assert.Eventually(t, func() bool { return pings.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Running())

	m.Stop()
	m.Wait()
	assert.False(t, m.Running())
}

func TestMonitor_ReportsOnceAndStops(t *testing.T) {
	pingErr := errors.New("write: broken pipe")

	var pings, reports atomic.Int32
	var got atomic.Value
	m := New(fastConfig(), func(context.Context) error {
		pings.Add(1)
		return pingErr
	}, func(err error) {
		reports.Add(1)
		got.Store(err)
	}, nil)

	m.Start()
	require.Eventually(t, func() bool { return reports.Load() == 1 }, time.Second, 5*time.Millisecond)
	m.Wait()

	assert.False(t, m.Running())
	assert.Equal(t, int32(1), pings.Load())
	assert.ErrorIs(t, got.Load().(error), pingErr)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), reports.Load())
}

func TestMonitor_NilPing(t *testing.T) {
	errs := make(chan error, 1)
	m := New(fastConfig(), nil, func(err error) { errs <- err }, nil)

	m.Start()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNoTransport)
	case <-time.After(time.Second):
		t.Fatal("expected failure report")
	}
}

func TestMonitor_PingTimeout(t *testing.T) {
	errs := make(chan error, 1)
	m := New(fastConfig(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { errs <- err }, nil)

	m.Start()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("expected timeout report")
	}
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	var pings atomic.Int32
	m := New(fastConfig(), func(context.Context) error {
		pings.Add(1)
		return nil
	}, nil, nil)

	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
	m.Wait()

	n := pings.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, pings.Load())
	assert.False(t, m.Running())
}

func TestMonitor_StopSuppressesReport(t *testing.T) {
	release := make(chan struct{})
	var reports atomic.Int32
	m := New(fastConfig(), func(context.Context) error {
		<-release
		return errors.New("late failure")
	}, func(error) { reports.Add(1) }, nil)

	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	close(release)
	m.Wait()

	assert.Equal(t, int32(0), reports.Load())
}
