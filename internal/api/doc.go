// Package api is the REST client for the dashboard backend. It serves the
// polling fallback: each call fetches one JSON document, revalidating with
// ETags so an unchanged resource costs a 304, and retries 5xx and 429
// responses, honoring Retry-After.
package api
