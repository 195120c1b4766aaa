// Package delivery advances messages through their per-recipient delivery
// lifecycle and routes them to live sessions.
//
// # State machine
//
// Each (message, recipient) pair holds a status that only moves forward:
//
//	sent -> delivered -> seen
//
// A message enters sent atomically with successful persistence; a storage
// failure aborts the send with nothing announced. Recipients with a live
// session at send time are promoted to delivered immediately; offline
// recipients are promoted by the connect-time re-scan (HandleConnect), so
// delivery never depends on a race at send time. Seen is driven only by an
// explicit acknowledgment (MarkSeen / MarkAllSeen) from the recipient. A
// recipient who reads before any delivered pass ran causes both
// transitions to be reported in order, never collapsed.
//
// # Fan-out
//
// A new message reaches every recipient's live sessions and every session
// of the sender, the originating one included, in a single pass through
// the registry. Every delivered transition, whether it happens at send
// time or at a later connect, is reported to the sender as a status update
// carrying aggregate counts. Group status stays per member: senders are
// shown "delivered k of n" counts, never a flattened shared status.
//
// # Ordering and idempotency
//
// Sends within one conversation are serialized under a per-conversation
// mutex held through fan-out, giving each session non-decreasing timestamp
// order inside a conversation (no guarantee across conversations).
// Enqueues never block, so the critical section is bounded by storage
// work. Replayed sends deduplicate on (sender, conversation, client_ref)
// through a TTL cache backed by the store's unique index.
package delivery
