// Package store provides persistence for conversations, messages, and
// per-recipient delivery receipts.
//
// # Data model
//
// Conversations are either direct (a 1:1 pair, resolved through a
// canonical pair key held on a UNIQUE column) or groups (assigned opaque
// id plus an explicit participant set). Messages belong to exactly one
// conversation; each recipient of a message has a receipt row whose status
// walks forward through sent, delivered, seen.
//
// # Invariants enforced here
//
//   - ResolveOrCreateDirect is atomic under concurrent callers: the UNIQUE
//     pair_key constraint guarantees exactly one row per pair.
//   - InsertMessage writes the message and all its receipts in one
//     transaction; a failure persists nothing.
//   - Status updates are guarded in SQL so a receipt can never move
//     backwards, regardless of caller interleaving.
//   - The (conversation, sender, client_ref) unique index backs replay
//     deduplication at the storage layer.
//
// Timestamps are stored as fixed-width RFC 3339 strings with nanoseconds,
// which makes them lexicographically sortable down to sub-second order.
package store
