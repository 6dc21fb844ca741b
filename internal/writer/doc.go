// Package writer batches routed envelopes into the auxiliary queue.
//
// Envelopes are accumulated until BatchSize is reached or FlushInterval
// elapses, then handed to a Sink in one call. Stores are append-only and
// ignore envelopes they already hold.
package writer
