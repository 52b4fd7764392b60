// Package metrics exposes gateway counters to Prometheus.
//
// A Metrics value is both a registry.Observer (connection gauge, delivery
// results by conversation kind) and a conversation.Observer (send outcomes).
// The gateway mounts Handler at the configured metrics path when metrics are
// enabled.
package metrics
