// Package store provides durable message and membership storage using SQLite.
//
// # Architecture
//
// Store is the single interface the delivery core consumes. SQLiteStore is
// the production implementation; MockStore is an in-memory twin for tests
// that can inject persistence failures.
//
// # Data Models
//
//   - chat.Message: one row per message, append-only except for the
//     is_deleted flag set by SoftDeleteMessage
//   - Group: a named conversation with a member list
//
// Message ids come from an AUTOINCREMENT key and are strictly increasing.
// sent_at is assigned at insert time in UTC and never decreases as ids grow,
// so (sent_at, id) order and id order agree. This is what lets clients
// reconcile with "since last known id".
//
// # History
//
// FetchHistory excludes soft-deleted messages and returns ascending
// (sent_at, id) order. With SinceID or Since it pages forward from that
// point; without either it returns the most recent Limit messages.
//
// # Membership
//
// ResolveMembership returns both participants for a private conversation and
// the current member list for a group. Unknown groups yield ErrNotFound.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width RFC 3339 strings with nanoseconds so
// that lexical and chronological order agree.
package store
