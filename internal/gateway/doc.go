// Package gateway runs the parley delivery server.
//
// # Components
//
// New wires the pieces of the delivery core together:
//
//   - store.SQLiteStore persists messages and group membership
//   - registry.Registry tracks live connections and their topic subscriptions
//   - router.Router maps conversations onto topics and checks membership
//   - conversation.Service runs the validate, persist, publish, acknowledge pipeline
//   - dedupe.Cache makes sends with a request_id safe to retry
//   - metrics.Metrics observes deliveries and sends when metrics are enabled
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /ws - Websocket upgrade (join, leave, switch, send, ping)
//   - POST /api/messages - Send a message
//   - DELETE /api/messages/{id} - Soft delete an own message
//   - GET /api/history - Conversation history, the reconciliation path
//   - POST /api/groups - Create a group
//   - GET|POST /api/groups/{id}/members - List or add members
//   - DELETE /api/groups/{id}/members/{user} - Remove a member
//   - GET /metrics - Prometheus scrape endpoint when enabled
//
// Every route except /health and /metrics requires a JWT, passed as a Bearer
// header or an access_token query parameter.
//
// # Slow consumers
//
// A websocket connection that misses a live delivery (full queue, write
// timeout) is closed with status 1013. The client's session reconnects and
// fetches history since its last known message, so the gap is filled without
// the server holding per-client backlogs.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
