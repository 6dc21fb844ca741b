package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// TransportConfig tunes the HTTP transport.
type TransportConfig struct {
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
	MaxIdleConns    int
	ReadIdleTimeout time.Duration // Send an HTTP/2 ping after this much silence (0 = off)
	PingTimeout     time.Duration // Drop the HTTP/2 connection if the ping goes unanswered
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:     10 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxIdleConns:    10,
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
}

// NewTransport builds an HTTP/1.1 transport upgraded for HTTP/2 over TLS.
// HTTP/2 connections are health-checked with pings so a half-dead
// connection is detected before the next poll hangs on it.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	t1 := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	t2, err := http2.ConfigureTransports(t1)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	t2.ReadIdleTimeout = cfg.ReadIdleTimeout
	t2.PingTimeout = cfg.PingTimeout

	return t1, nil
}
