// Package store provides persistent storage for support-gateway using SQLite.
//
// # Data Models
//
//   - Conversation: one support interaction per user, with routing state,
//     typing flags and per-role read markers
//   - Message: immutable entry in a conversation's append-only log, ordered
//     by a store-assigned sequence number
//   - Presence: last-activity heartbeat per user
//
// plus a small agent recipient registry for notification fan-out.
//
// # Atomic Appends
//
// AppendMessage assigns the next sequence number and inserts the message in
// a single transaction. The UNIQUE (conversation_id, seq) constraint is the
// serialization point: when two writers race, the loser's insert fails and
// is retried with a fresh sequence number. Appends therefore never overwrite
// each other, regardless of how stale the writer's view of the conversation
// is.
//
// # Routing State
//
// Conversations start in the "automated" routing state and can only move to
// "human" (EscalateConversation). The transition is enforced in SQL with a
// conditional UPDATE, making escalation idempotent and monotonic under
// concurrency.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC 3339 text with nanosecond precision, except
// presence, which uses integer unix milliseconds so the activity threshold
// query stays indexed.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConversationExists: owner already has a conversation
//   - ErrAppendConflict: append retries exhausted under contention
//
// All methods accept context.Context for cancellation support.
package store
