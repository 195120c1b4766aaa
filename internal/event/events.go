// ABOUTME: Closed tagged-variant event types exchanged with the transport layer
// ABOUTME: Inbound events arrive as JSON envelopes; outbound events are encoded with a type tag

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEvent is returned when an inbound envelope carries an
// unrecognized type tag.
var ErrUnknownEvent = errors.New("unknown event type")

// Inbound is the closed set of events a live session may submit.
// Adding a new kind means adding a variant here and a case to Decode,
// which keeps dispatch exhaustive at compile time.
type Inbound interface {
	inbound()
}

// SendMessage submits a new chat message. Exactly one of To (a recipient
// identity, for 1:1) or ConversationID must be set. ClientRef is an
// optional client-supplied reference used for replay deduplication.
type SendMessage struct {
	To             string `json:"to,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
	ReplyTo        string `json:"reply_to,omitempty"`
	ClientRef      string `json:"client_ref,omitempty"`
}

// MarkSeen acknowledges messages in a conversation up to a boundary.
// UpTo is either a message id or an RFC 3339 timestamp; empty means
// everything currently in the conversation.
type MarkSeen struct {
	ConversationID string `json:"conversation_id"`
	UpTo           string `json:"up_to,omitempty"`
}

// MarkAllSeen acknowledges every unseen message in a conversation.
type MarkAllSeen struct {
	ConversationID string `json:"conversation_id"`
}

// Typing signals that the sender started or stopped typing in a conversation.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// FetchHistory requests recent messages for a conversation.
type FetchHistory struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

func (SendMessage) inbound()  {}
func (MarkSeen) inbound()     {}
func (MarkAllSeen) inbound()  {}
func (Typing) inbound()       {}
func (FetchHistory) inbound() {}

// envelope carries the discriminator for inbound decoding.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses a raw inbound frame into its typed variant.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing event envelope: %w", err)
	}

	var ev Inbound
	switch env.Type {
	case "send_message":
		ev = &SendMessage{}
	case "mark_seen":
		ev = &MarkSeen{}
	case "mark_all_as_seen":
		ev = &MarkAllSeen{}
	case "typing":
		ev = &Typing{}
	case "fetch_history":
		ev = &FetchHistory{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("parsing %s event: %w", env.Type, err)
	}
	return ev, nil
}

// Outbound is the closed set of events pushed to live sessions.
type Outbound interface {
	// Kind returns the wire type tag for the event.
	Kind() string
}

// Quote is the resolved context of a reply-to reference, embedded in the
// message that replied. Nil when the referent is gone.
type Quote struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
}

// Message is the wire form of a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	ReplyTo        *Quote    `json:"reply_to,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
}

// NewMessage announces a freshly persisted message to its fan-out targets.
type NewMessage struct {
	Message Message `json:"message"`
}

// StatusUpdate reports a delivery-status transition for one recipient of a
// message, with aggregate counts so group senders can render "k of n".
type StatusUpdate struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Recipient      string `json:"recipient"`
	Status         string `json:"status"`
	Delivered      int    `json:"delivered"`
	Seen           int    `json:"seen"`
	Recipients     int    `json:"recipients"`
}

// PresenceUpdate reports an identity going online or offline.
// LastSeen is set only on offline transitions.
type PresenceUpdate struct {
	Identity string     `json:"identity"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// TypingIndicator relays a typing state change to conversation participants.
type TypingIndicator struct {
	Identity       string `json:"identity"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// History carries the result of a FetchHistory request, oldest first.
type History struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// Roster is the presence snapshot pushed to a session right after connect.
type Roster struct {
	Online []string `json:"online"`
}

// Error is a client-visible rejection of an inbound event.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (NewMessage) Kind() string      { return "new_message" }
func (StatusUpdate) Kind() string    { return "message_status_update" }
func (PresenceUpdate) Kind() string  { return "presence_update" }
func (TypingIndicator) Kind() string { return "typing_indicator" }
func (History) Kind() string         { return "history" }
func (Roster) Kind() string          { return "roster" }
func (Error) Kind() string           { return "error" }

// Encode serializes an outbound event with its type tag injected into the
// top-level object.
func Encode(ev Outbound) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reshaping %s event: %w", ev.Kind(), err)
	}
	tag, _ := json.Marshal(ev.Kind())
	fields["type"] = tag

	return json.Marshal(fields)
}
