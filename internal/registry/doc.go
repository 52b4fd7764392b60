// Package registry tracks live transport connections and the topics they
// subscribe to.
//
// # Overview
//
// The registry keeps two maps guarded by one RWMutex: topic to connections
// and connection to topics. It holds no durable state; after a restart or a
// dropped socket, clients re-subscribe.
//
//	reg := registry.New(registry.Options{SendTimeout: 5 * time.Second})
//	reg.Attach(connID, sink)
//	reg.Join(connID, "group:7")
//	n, err := reg.Publish("group:7", payload)
//	reg.Disconnect(connID)
//
// # Delivery
//
// Every attached connection has a buffered send queue drained by its own
// worker goroutine, which calls the connection's Sink. Publish takes a
// snapshot of the subscriber set under the read lock, enqueues without
// blocking, then waits at most the send timeout for the workers to report.
// Connections that joined after the snapshot are not included.
//
// A failure on one connection (full queue, timeout, sink error) never
// prevents delivery to the others. Failures are collected in a
// *PublishError, logged, counted by the Observer and handed to
// OnDeliveryFailure.
package registry
