package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rickgao/dashlink/internal/auth"
)

// Client fetches JSON documents from the dashboard REST API.
type Client struct {
	baseURL    string
	token      auth.TokenSource
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	// Last validated response per URL, replayed on 304 Not Modified.
	cacheMu sync.Mutex
	cache   map[string]cachedResponse
}

type cachedResponse struct {
	etag string
	body []byte
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client using the HTTP/2 transport from NewTransport.
// token may be nil for unauthenticated endpoints.
func NewClient(baseURL string, token auth.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		token:        token,
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
		cache:        make(map[string]cachedResponse),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Transport == nil {
		transport, err := NewTransport(DefaultTransportConfig())
		if err != nil {
			c.logger.Warn("http2 transport unavailable, using default", "error", err)
		} else {
			c.httpClient.Transport = transport
		}
	}

	return c
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry count and the initial backoff.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client. A nil Transport is replaced
// with the one from NewTransport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
