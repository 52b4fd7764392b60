// Package conversation implements the message pipeline that sits between the
// transports (HTTP and websocket handlers) and the store and router.
//
// # Overview
//
// Every outbound message flows through Service.Send:
//
//	svc := conversation.New(store, router, logger)
//	svc.SetAuthorizer(router)
//	result, err := svc.Send(ctx, &conversation.SendRequest{
//		SenderID:   "alice",
//		ReceiverID: "bob",
//		Content:    "hi",
//	})
//
// # Ordering Contract
//
// A send moves through Validated, Persisted, Published and Acknowledged.
// The message is written to the store before anything is published, so the
// live copy a subscriber receives always carries the same id and timestamp
// as the copy it would later fetch from history. Clients rely on this to
// deduplicate by id.
//
// # Errors
//
//   - ErrInvalidRequest: malformed payload, rejected with no side effects
//   - *PersistError: storage failed, nothing was published, safe to retry
//   - router.ErrNotMember: the sender may not post to the conversation
//
// Publish failures (a subscriber timed out or its queue was full) are logged
// and reported in SendResult.PublishErr but never turn a send into an error.
// Durability is the authority; live push is a latency optimization, and
// history fetch is the backstop every client reconciles against.
//
// # Retries
//
// With a request cache set, a send carrying RequestID is recorded at most
// once per sender and id. A retry returns the original message with
// Duplicate set and does not publish again.
//
// # History and Deletion
//
// History returns non-deleted messages in (sentAt, id) order for members of
// the conversation. Delete soft-deletes a caller's own message and publishes
// a "deleted" frame so live views can drop it.
package conversation
