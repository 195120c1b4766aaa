// ABOUTME: Delivery pipeline driving the per-recipient SENT/DELIVERED/SEEN state machine
// ABOUTME: Persists first, then fans out; no message is announced before storage succeeds

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orrodguez19/Seend/internal/conversation"
	"github.com/orrodguez19/Seend/internal/dedupe"
	"github.com/orrodguez19/Seend/internal/event"
	"github.com/orrodguez19/Seend/internal/store"
)

// Validation errors surfaced to the client as explicit rejections.
var (
	ErrMissingText     = errors.New("message text is required")
	ErrMissingTarget   = errors.New("message target is required")
	ErrAmbiguousTarget = errors.New("specify either a recipient or a conversation, not both")
)

// Sink receives outbound events for an identity's live sessions. Satisfied
// by the session registry; tests substitute a recorder so the state
// machine runs without a transport attached.
type Sink interface {
	Send(identity string, ev event.Outbound) int
}

// Liveness answers whether an identity currently has a live session.
type Liveness interface {
	IsOnline(identity string) bool
}

// Pipeline accepts outbound messages, persists them, advances their
// per-recipient delivery status, and routes message and status events to
// the right live sessions.
//
// Critical sections are scoped per conversation: sends and status updates
// for one conversation are serialized (which also yields the per-
// conversation ordering guarantee), while unrelated conversations proceed
// fully in parallel. Fan-out happens inside the conversation's critical
// section so every session observes one conversation's events in a single
// order; enqueues are non-blocking, so a slow consumer never extends the
// critical section.
type Pipeline struct {
	store    store.Store
	resolver *conversation.Resolver
	live     Liveness
	sink     Sink
	dedupe   *dedupe.Cache
	locks    convLocks
	logger   *slog.Logger
}

// New creates a delivery pipeline. Pass nil logger for default.
func New(st store.Store, resolver *conversation.Resolver, live Liveness, sink Sink, dd *dedupe.Cache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		resolver: resolver,
		live:     live,
		sink:     sink,
		dedupe:   dd,
		logger:   logger.With("component", "delivery"),
	}
}

// Send validates and persists an outbound message, decides each
// recipient's initial status, and fans the message out. Every live session
// of the sender, including the originating one, receives the message
// through the registry inside the conversation's critical section, so each
// session sees exactly one copy in conversation order. Send-time delivered
// transitions are announced to the sender with aggregate counts.
//
// Persistence is all-or-nothing: a storage failure aborts the send with no
// partial delivery and nothing announced.
func (p *Pipeline) Send(ctx context.Context, senderID string, req *event.SendMessage) (*event.Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrMissingText
	}
	if req.To == "" && req.ConversationID == "" {
		return nil, ErrMissingTarget
	}
	if req.To != "" && req.ConversationID != "" {
		return nil, ErrAmbiguousTarget
	}

	var conv *store.Conversation
	var err error
	if req.ConversationID != "" {
		conv, err = p.resolver.ResolveFor(ctx, req.ConversationID, senderID)
	} else {
		conv, err = p.resolver.ResolvePair(ctx, senderID, req.To)
	}
	if err != nil {
		return nil, err
	}

	// Replay fast path: a ref we have already processed is answered from
	// storage with no new row and no new fan-out.
	if req.ClientRef != "" && p.dedupe.CheckAndMark(dedupe.Key(senderID, conv.ID, req.ClientRef)) {
		if existing, lookupErr := p.store.GetMessageByClientRef(ctx, conv.ID, senderID, req.ClientRef); lookupErr == nil {
			p.logger.Debug("duplicate send replayed from store",
				"message_id", existing.ID,
				"client_ref", req.ClientRef)
			return p.wireMessage(ctx, existing), nil
		}
		// Cache hit without a row means the original insert never landed;
		// fall through and persist normally.
	}

	recipients := othersOf(conv.Participants, senderID)
	quote := p.resolveReply(ctx, conv.ID, req.ReplyTo)

	unlock := p.locks.lock(conv.ID)
	defer unlock()

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           req.Text,
		ClientRef:      req.ClientRef,
		CreatedAt:      time.Now().UTC(),
	}
	if quote != nil {
		msg.ReplyTo = &quote.MessageID
	}

	if err := p.store.InsertMessage(ctx, msg, recipients); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			if existing, lookupErr := p.store.GetMessageByClientRef(ctx, conv.ID, senderID, req.ClientRef); lookupErr == nil {
				return p.wireMessage(ctx, existing), nil
			}
		}
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	// Initial status per recipient, decided against the registry state as
	// of persistence completion, not a pre-write snapshot.
	summary := store.ReceiptSummary{Recipients: len(recipients)}
	delivered := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		if !p.live.IsOnline(recipient) {
			continue
		}
		changed, err := p.store.MarkDelivered(ctx, msg.ID, recipient)
		if err != nil {
			p.logger.Error("failed to mark delivered at send",
				"error", err,
				"message_id", msg.ID,
				"recipient", recipient)
			continue
		}
		if changed {
			summary.Delivered++
			delivered = append(delivered, recipient)
		}
	}

	wire := event.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		ReplyTo:        quote,
		Timestamp:      msg.CreatedAt,
		Status:         string(summary.Aggregate()),
	}

	for _, recipient := range recipients {
		p.sink.Send(recipient, event.NewMessage{Message: wire})
	}
	p.sink.Send(senderID, event.NewMessage{Message: wire})

	// Send-time delivered transitions are announced like any other status
	// change, so a group sender learns "delivered to k of n" even when the
	// remaining members stay offline.
	for _, recipient := range delivered {
		p.emitStatus(ctx, senderID, msg.ID, conv.ID, recipient, store.StatusDelivered)
	}

	p.logger.Debug("message delivered",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"recipients", len(recipients),
		"delivered", summary.Delivered)
	return &wire, nil
}

// HandleConnect re-scans the identity's undelivered messages and flips
// them to delivered, pushing a status update to each original sender's
// live sessions. Delivery therefore never depends solely on a live race at
// send time.
func (p *Pipeline) HandleConnect(ctx context.Context, identity string) error {
	pending, err := p.store.UndeliveredTo(ctx, identity)
	if err != nil {
		return fmt.Errorf("scanning undelivered messages: %w", err)
	}

	for _, msg := range pending {
		unlock := p.locks.lock(msg.ConversationID)
		changed, err := p.store.MarkDelivered(ctx, msg.ID, identity)
		if err != nil {
			unlock()
			return fmt.Errorf("marking delivered on connect: %w", err)
		}
		if changed {
			p.emitStatus(ctx, msg.SenderID, msg.ID, msg.ConversationID, identity, store.StatusDelivered)
		}
		unlock()
	}

	if len(pending) > 0 {
		p.logger.Info("flushed undelivered messages",
			"identity", identity,
			"count", len(pending))
	}
	return nil
}

// MarkSeen acknowledges the conversation's messages up to a boundary on
// behalf of the actor. upTo is a message id or an RFC 3339 timestamp;
// empty means everything. Only messages authored by others and not yet
// seen are affected. A receipt still at sent is reported to the sender as
// delivered first and then seen, so observers never see a skipped state.
func (p *Pipeline) MarkSeen(ctx context.Context, actorID, conversationID, upTo string) error {
	conv, err := p.resolver.ResolveFor(ctx, conversationID, actorID)
	if err != nil {
		return err
	}

	var boundary *time.Time
	if upTo != "" {
		if t, parseErr := time.Parse(time.RFC3339, upTo); parseErr == nil {
			utc := t.UTC()
			boundary = &utc
		} else {
			ref, lookupErr := p.store.GetMessage(ctx, upTo)
			if lookupErr != nil {
				return fmt.Errorf("resolving up_to message: %w", lookupErr)
			}
			if ref.ConversationID != conv.ID {
				return fmt.Errorf("up_to message %q: %w", upTo, store.ErrNotFound)
			}
			boundary = &ref.CreatedAt
		}
	}

	unlock := p.locks.lock(conv.ID)
	defer unlock()

	updates, err := p.store.MarkConversationSeen(ctx, conv.ID, actorID, boundary)
	if err != nil {
		return fmt.Errorf("marking conversation seen: %w", err)
	}

	for _, u := range updates {
		if u.WasSent {
			p.emitStatus(ctx, u.SenderID, u.MessageID, conv.ID, actorID, store.StatusDelivered)
		}
		p.emitStatus(ctx, u.SenderID, u.MessageID, conv.ID, actorID, store.StatusSeen)
	}
	return nil
}

// MarkAllSeen acknowledges every unseen message in the conversation.
func (p *Pipeline) MarkAllSeen(ctx context.Context, actorID, conversationID string) error {
	return p.MarkSeen(ctx, actorID, conversationID, "")
}

// History returns the conversation's recent messages for a participant,
// oldest first, each with its current aggregate status and resolved quote.
func (p *Pipeline) History(ctx context.Context, actorID, conversationID string, limit int) (*event.History, error) {
	conv, err := p.resolver.ResolveFor(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}

	messages, err := p.store.FetchHistory(ctx, conv.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	out := event.History{ConversationID: conv.ID, Messages: make([]event.Message, 0, len(messages))}
	for _, msg := range messages {
		out.Messages = append(out.Messages, *p.wireMessage(ctx, msg))
	}
	return &out, nil
}

// emitStatus pushes one status transition, with aggregate counts, to the
// original sender's live sessions.
func (p *Pipeline) emitStatus(ctx context.Context, senderID, messageID, conversationID, recipient string, status store.Status) {
	update := event.StatusUpdate{
		MessageID:      messageID,
		ConversationID: conversationID,
		Recipient:      recipient,
		Status:         string(status),
	}
	if summary, err := p.store.ReceiptSummary(ctx, messageID); err == nil {
		update.Delivered = summary.Delivered
		update.Seen = summary.Seen
		update.Recipients = summary.Recipients
	} else {
		p.logger.Error("failed to summarize receipts",
			"error", err,
			"message_id", messageID)
	}
	p.sink.Send(senderID, update)
}

// wireMessage converts a persisted message into its wire form, resolving
// the quoted context and the current aggregate status.
func (p *Pipeline) wireMessage(ctx context.Context, msg *store.Message) *event.Message {
	wire := event.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Timestamp:      msg.CreatedAt,
		Status:         string(store.StatusSent),
	}
	if msg.ReplyTo != nil {
		wire.ReplyTo = p.resolveReply(ctx, msg.ConversationID, *msg.ReplyTo)
	}
	if summary, err := p.store.ReceiptSummary(ctx, msg.ID); err == nil {
		wire.Status = string(summary.Aggregate())
	}
	return &wire
}

// othersOf returns the participants excluding the sender.
func othersOf(participants []string, senderID string) []string {
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != senderID {
			out = append(out, p)
		}
	}
	return out
}
