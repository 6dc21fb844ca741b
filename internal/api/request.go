package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrInvalidJSON is returned by GetJSON for a 2xx body that is not JSON.
var ErrInvalidJSON = errors.New("response is not valid JSON")

// APIError is a 4xx or 5xx response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
	RetryAfter time.Duration // From the Retry-After header, if any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// GetJSON fetches path. A 304 answer to a revalidation returns the body
// cached from the previous 200.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	body, err := c.doWithRetry(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: %w", path, ErrInvalidJSON)
	}
	return json.RawMessage(body), nil
}

func (c *Client) doRequest(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		token, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	cached, haveCached := c.cached(target)
	if haveCached {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && haveCached:
		return cached.body, nil
	case resp.StatusCode >= 400:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		c.store(target, cachedResponse{etag: etag, body: body})
	}
	return body, nil
}

// doWithRetry retries retryable API errors with jittered exponential
// backoff, waiting at least as long as the server asked.
func (c *Client) doWithRetry(ctx context.Context, target string) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff
	var minWait time.Duration

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			wait := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
			if wait < minWait {
				wait = minWait
			}
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", wait,
				"url", target,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
		minWait = apiErr.RetryAfter
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) cached(target string) (cachedResponse, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	r, ok := c.cache[target]
	return r, ok
}

func (c *Client) store(target string, r cachedResponse) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[target] = r
}

// parseRetryAfter reads delay-seconds or an HTTP date. Invalid or past
// values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
