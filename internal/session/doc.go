// ABOUTME: Package documentation for the client session state machine
// ABOUTME: Describes states, reconnect policy and reconciliation

// Package session holds one client's connection to the delivery service.
//
// # States
//
// A Session moves between Disconnected, Connecting, Connected and
// Reconnecting. An explicit Connect that fails returns a *ConnectionError
// and leaves the session Disconnected. A connection that drops after being
// established moves the session to Reconnecting, which retries on the
// backoff schedule (0s, 2s, 5s, 10s, then 10s repeating) up to MaxAttempts.
//
// # Reconciliation
//
// Live delivery is best-effort. Every subscription, whether from Switch or
// from a completed reconnect, records the conversation's last known message
// id, joins, and then fetches history after that id. Live and fetched
// messages merge into a Timeline keyed by message id, so each message is
// shown once regardless of which path delivered it.
//
// # Conversation switches during reconnect
//
// Switch only records the selection while the transport is down. The
// reconnect subscribes to whatever conversation is selected when it
// completes, never the one selected when it started.
package session
