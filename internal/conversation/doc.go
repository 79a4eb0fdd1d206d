// Package conversation provides the central service for conversation
// lifecycle and message flow.
//
// # Service
//
// The Service coordinates every mutation: creation, atomic appends,
// escalation to human routing, read markers and typing flags. Mutations
// persist first, then publish the post-commit snapshot to the Broadcaster,
// then (when qualifying) hand the event to the Notifier. A failure after the
// commit never rolls the mutation back; side effects degrade gracefully.
//
// # Snapshot Streaming
//
// The Broadcaster is an in-memory pub/sub of full conversation snapshots.
// Subscribers filter by conversation ID (the user's chat view) or by
// human-routed state (the agent dashboard). Delivery is non-blocking; a slow
// subscriber misses intermediate snapshots but the next committed mutation
// carries complete state again.
//
// # Automated Replies
//
// While a conversation is automated-routed, user messages are offered to a
// routing.Policy, which may produce a canned reply appended on the
// conversation's behalf.
package conversation
