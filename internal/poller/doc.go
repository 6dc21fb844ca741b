// Package poller implements the polling fallback.
//
// While the push channel is unavailable the Poller:
//   - Fetches each configured REST endpoint on its own interval
//   - Compares a canonical encoding of the response with the last one seen
//   - Emits a router.Envelope (Source "poll") only when the content changed
//   - Gives up on an endpoint after MaxErrors consecutive failures, leaving
//     the others running
package poller
