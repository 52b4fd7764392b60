// Package dedupe maps client-supplied request keys to the ids of the
// messages they produced, for a bounded time window.
//
// A send that carries a request id claims the key before persisting. A retry
// of the same request finds the completed key and gets the original message
// back instead of storing a second copy. A failed write releases the claim so
// the retry can persist.
package dedupe
