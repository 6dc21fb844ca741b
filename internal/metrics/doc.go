// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, reconnect attempts and delays per source
//   - Outbound buffer size and dropped items
//   - Polling fallback activity
//   - Router throughput and drops
package metrics
