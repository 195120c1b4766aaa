// ABOUTME: Store interface and data types for Seend persistence
// ABOUTME: Defines Conversation, Message, receipt types and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message with the same
// (conversation, sender, client ref) has already been persisted.
var ErrDuplicateMessage = errors.New("message already exists")

// ConversationKind distinguishes 1:1 pairs from explicit groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is a 1:1 pair or an explicit group sharing a message
// history. Direct conversations carry the canonical pair key their id was
// resolved through; groups have an assigned opaque id and an empty pair key.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	PairKey      string
	Participants []string
	CreatedAt    time.Time
}

// Status is the per-recipient delivery lifecycle of a message. Transitions
// only move forward: sent, then delivered, then seen.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// rank orders statuses for forward-only comparisons.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusSeen:
		return 2
	default:
		return -1
	}
}

// Before reports whether s precedes other in the delivery lifecycle.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// Message is a persisted chat message. ReplyTo holds the referenced message
// id when the sender quoted an earlier message; ClientRef is the
// client-supplied reference used for replay deduplication.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	ReplyTo        *string
	ClientRef      string
	CreatedAt      time.Time
}

// ReceiptSummary aggregates per-recipient statuses for one message, so a
// group sender can be shown "delivered to k of n" / "seen by all".
type ReceiptSummary struct {
	Delivered  int // recipients at delivered or beyond
	Seen       int // recipients at seen
	Recipients int
}

// Aggregate flattens the summary into the lowest status any recipient is
// still at. A message with zero recipients reports sent.
func (r ReceiptSummary) Aggregate() Status {
	switch {
	case r.Recipients == 0:
		return StatusSent
	case r.Seen == r.Recipients:
		return StatusSeen
	case r.Delivered == r.Recipients:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// SeenUpdate describes one receipt flipped to seen by an acknowledgment,
// with enough context to notify the original sender. WasSent is true when
// the receipt skipped straight from sent, in which case observers must be
// shown the delivered transition first.
type SeenUpdate struct {
	MessageID string
	SenderID  string
	WasSent   bool
}

// Store is the persistence collaborator consumed by the delivery core.
type Store interface {
	// EnsureIdentity records an identity verified by the auth
	// collaborator. Idempotent; the identities table is this core's read
	// model of who exists.
	EnsureIdentity(ctx context.Context, identity string) error
	// IdentityExists reports whether the identity has ever been recorded.
	IdentityExists(ctx context.Context, identity string) (bool, error)

	// ResolveOrCreateDirect atomically resolves the conversation for a
	// canonical pair key, creating it if absent. Concurrent callers for
	// the same pair converge on exactly one row.
	ResolveOrCreateDirect(ctx context.Context, pairKey, identityA, identityB string) (*Conversation, error)
	// CreateGroupConversation creates a group with an assigned opaque id
	// and a fixed participant set.
	CreateGroupConversation(ctx context.Context, id string, participants []string) (*Conversation, error)
	// GetConversation returns a conversation with its participants, or
	// ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// InsertMessage persists a message together with one sent receipt per
	// recipient, atomically. Returns ErrDuplicateMessage when the
	// (conversation, sender, client ref) triple was already inserted.
	InsertMessage(ctx context.Context, msg *Message, recipients []string) error
	// GetMessage returns a message by id, or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*Message, error)
	// GetMessageByClientRef resolves a previously persisted message by its
	// dedupe triple, or ErrNotFound.
	GetMessageByClientRef(ctx context.Context, conversationID, senderID, clientRef string) (*Message, error)

	// MarkDelivered advances one receipt from sent to delivered. Returns
	// false when the receipt was already at delivered or seen; the status
	// never regresses.
	MarkDelivered(ctx context.Context, messageID, recipientID string) (bool, error)
	// UndeliveredTo returns messages still at sent for the recipient,
	// oldest first, across all conversations.
	UndeliveredTo(ctx context.Context, recipientID string) ([]*Message, error)
	// MarkConversationSeen flips the actor's unseen receipts in the
	// conversation to seen, bounded by upTo when non-nil, and returns the
	// affected messages oldest first.
	MarkConversationSeen(ctx context.Context, conversationID, actorID string, upTo *time.Time) ([]SeenUpdate, error)
	// ReceiptSummary aggregates the message's receipts.
	ReceiptSummary(ctx context.Context, messageID string) (*ReceiptSummary, error)

	// FetchHistory returns the most recent limit messages of a
	// conversation in chronological order.
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	Close() error
}
