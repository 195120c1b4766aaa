// ABOUTME: Resolver derives stable conversation identities for pairs and groups
// ABOUTME: PairKey is the pure, order-independent canonicalization for 1:1 pairs

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/orrodguez19/Seend/internal/store"
)

// ErrSelfConversation is returned when both sides of a 1:1 pair are the
// same identity.
var ErrSelfConversation = errors.New("cannot open a conversation with yourself")

// ErrInvalidIdentity is returned when an identity contains the reserved
// pair-key separator. Such an identity could alias another pair's key.
var ErrInvalidIdentity = errors.New("identity contains reserved characters")

// ErrNotParticipant is returned when an identity acts on a conversation it
// does not belong to.
var ErrNotParticipant = errors.New("not a participant of this conversation")

// ErrTooFewParticipants is returned when a group is created with fewer
// than two members.
var ErrTooFewParticipants = errors.New("group needs at least two participants")

// pairKeySep joins the two identities of a pair key. Identities containing
// it are rejected (ValidIdentity) everywhere one enters the system, which
// keeps the key unambiguous without escaping.
const pairKeySep = "\x1f"

// ValidIdentity reports whether an identity may participate in
// conversations: non-empty and free of the pair-key separator. Without
// this check, PairKey("a\x1fb", "c") and PairKey("a", "b\x1fc") would
// alias the same key and merge two distinct pairs into one conversation.
func ValidIdentity(identity string) bool {
	return identity != "" && !strings.Contains(identity, pairKeySep)
}

// PairKey returns the canonical key for a 1:1 pair. It is a pure function
// of the two identities and order-independent: PairKey(a, b) == PairKey(b, a).
// Callers must only pass identities accepted by ValidIdentity.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairKeySep + b
}

// Resolver maps participant sets to conversation rows, creating them
// lazily and idempotently through the store.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a resolver. Pass nil logger for default.
func NewResolver(st store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  st,
		logger: logger.With("component", "resolver"),
	}
}

// ResolvePair returns the conversation for a 1:1 pair, creating it on
// first contact. Either party's first message converges on the same row.
// The recipient must be a known identity; an unknown recipient is an
// error, never a phantom conversation.
func (r *Resolver) ResolvePair(ctx context.Context, sender, recipient string) (*store.Conversation, error) {
	if !ValidIdentity(sender) || !ValidIdentity(recipient) {
		return nil, ErrInvalidIdentity
	}
	if sender == recipient {
		return nil, ErrSelfConversation
	}

	known, err := r.store.IdentityExists(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("checking recipient: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("recipient %q: %w", recipient, store.ErrNotFound)
	}

	conv, err := r.store.ResolveOrCreateDirect(ctx, PairKey(sender, recipient), sender, recipient)
	if err != nil {
		return nil, fmt.Errorf("resolving pair conversation: %w", err)
	}
	return conv, nil
}

// CreateGroup creates a group conversation with a generated opaque id.
// Group ids are assigned, not derived, because membership is not a pure
// function of two identities.
func (r *Resolver) CreateGroup(ctx context.Context, participants []string) (*store.Conversation, error) {
	unique := make([]string, 0, len(participants))
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
	}
	if len(unique) < 2 {
		return nil, ErrTooFewParticipants
	}

	conv, err := r.store.CreateGroupConversation(ctx, uuid.New().String(), unique)
	if err != nil {
		return nil, fmt.Errorf("creating group conversation: %w", err)
	}
	r.logger.Info("group conversation created", "id", conv.ID, "participants", len(unique))
	return conv, nil
}

// ResolveFor loads a conversation by id and verifies the identity belongs
// to it. Returns store.ErrNotFound for unknown ids and ErrNotParticipant
// for outsiders.
func (r *Resolver) ResolveFor(ctx context.Context, conversationID, identity string) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, p := range conv.Participants {
		if p == identity {
			return conv, nil
		}
	}
	return nil, ErrNotParticipant
}
