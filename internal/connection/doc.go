// Package connection keeps the dashboard's push channel alive.
//
// A Supervisor owns one WebSocket transport and drives it through an
// explicit state machine:
//   - Disconnected → Connecting → Connected
//   - Connected → Reconnecting on unsolicited loss, with exponential backoff
//     gated by a circuit breaker
//   - Reconnecting → PollingFallback once the retry budget is spent, with a
//     periodic redial of the push channel
//
// Outbound sends never fail for connectivity reasons: while the channel is
// down they are held in a bounded buffer and replayed in order on reconnect.
// Collaborators observe everything through events.Notification values.
package connection
