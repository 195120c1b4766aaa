// ABOUTME: Presence broadcaster deriving online/offline/typing signals from session transitions
// ABOUTME: Typing indicators carry bounded timers scoped per (identity, conversation)

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orrodguez19/Seend/internal/event"
	"github.com/orrodguez19/Seend/internal/session"
	"github.com/orrodguez19/Seend/internal/store"
)

// DefaultTypingTimeout bounds how long a typing indicator stays alive
// without being refreshed.
const DefaultTypingTimeout = 3 * time.Second

// ParticipantSource resolves a conversation for an acting identity, with
// membership enforced. Satisfied by the conversation resolver.
type ParticipantSource interface {
	ResolveFor(ctx context.Context, conversationID, identity string) (*store.Conversation, error)
}

// typingKey scopes one typing timer.
type typingKey struct {
	identity       string
	conversationID string
}

// typingState is the live timer for a key plus the participant snapshot
// captured when typing started, so expiry never calls back into storage.
type typingState struct {
	timer        *time.Timer
	participants []string
}

// Broadcaster fans presence and typing signals out to live sessions.
// Online/offline transitions broadcast to the full roster; typing signals
// go only to the conversation's participants.
type Broadcaster struct {
	registry *session.Registry
	parts    ParticipantSource
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	typing map[typingKey]*typingState
	closed bool
}

// NewBroadcaster creates a presence broadcaster. A non-positive timeout
// falls back to DefaultTypingTimeout. Pass nil logger for default.
func NewBroadcaster(registry *session.Registry, parts ParticipantSource, timeout time.Duration, logger *slog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		parts:    parts,
		timeout:  timeout,
		typing:   make(map[typingKey]*typingState),
		logger:   logger.With("component", "presence"),
	}
}

// SessionConnected reacts to a session registering. Only the identity's
// first session produces an online broadcast; additional devices are
// silent. Offline broadcasts are not debounced, so a brief
// disconnect/reconnect is visible as offline then online.
func (b *Broadcaster) SessionConnected(identity string, first bool) {
	if !first {
		return
	}
	b.registry.Broadcast(event.PresenceUpdate{Identity: identity, Online: true})
	b.logger.Debug("presence online", "identity", identity)
}

// SessionDisconnected reacts to a session unregistering. Any typing timers
// for the identity are cancelled (with a final not-typing signal) before
// the offline broadcast, and only the last session produces one.
func (b *Broadcaster) SessionDisconnected(identity string, last bool) {
	b.cancelTypingFor(identity)

	if !last {
		return
	}
	now := time.Now().UTC()
	b.registry.Broadcast(event.PresenceUpdate{Identity: identity, Online: false, LastSeen: &now})
	b.logger.Debug("presence offline", "identity", identity)
}

// Roster returns the current presence snapshot for a freshly connected
// session.
func (b *Broadcaster) Roster() event.Roster {
	return event.Roster{Online: b.registry.Identities()}
}

// Typing handles a typing event from an identity. A true signal starts or
// resets the bounded timer and notifies the conversation's other
// participants; expiry auto-emits a false signal unless a newer event
// reset the timer first. Typing state is never persisted.
func (b *Broadcaster) Typing(ctx context.Context, identity, conversationID string, isTyping bool) error {
	conv, err := b.parts.ResolveFor(ctx, conversationID, identity)
	if err != nil {
		return fmt.Errorf("resolving typing scope: %w", err)
	}
	participants := conv.Participants

	key := typingKey{identity: identity, conversationID: conversationID}

	b.mu.Lock()
	if prev, ok := b.typing[key]; ok {
		prev.timer.Stop()
		delete(b.typing, key)
	}
	if isTyping && !b.closed {
		state := &typingState{participants: participants}
		state.timer = time.AfterFunc(b.timeout, func() {
			b.expireTyping(key, state)
		})
		b.typing[key] = state
	}
	b.mu.Unlock()

	b.emitTyping(identity, conversationID, participants, isTyping)
	return nil
}

// expireTyping fires when a typing timer lapses. The state pointer check
// makes a stale timer that lost the race against a reset a no-op.
func (b *Broadcaster) expireTyping(key typingKey, state *typingState) {
	b.mu.Lock()
	current, ok := b.typing[key]
	if !ok || current != state {
		b.mu.Unlock()
		return
	}
	delete(b.typing, key)
	b.mu.Unlock()

	b.emitTyping(key.identity, key.conversationID, state.participants, false)
	b.logger.Debug("typing expired",
		"identity", key.identity,
		"conversation_id", key.conversationID)
}

// cancelTypingFor stops and clears every typing timer owned by the
// identity, emitting the closing not-typing signal for each conversation.
func (b *Broadcaster) cancelTypingFor(identity string) {
	b.mu.Lock()
	var cancelled []typingKey
	var scopes [][]string
	for key, state := range b.typing {
		if key.identity != identity {
			continue
		}
		state.timer.Stop()
		delete(b.typing, key)
		cancelled = append(cancelled, key)
		scopes = append(scopes, state.participants)
	}
	b.mu.Unlock()

	for i, key := range cancelled {
		b.emitTyping(key.identity, key.conversationID, scopes[i], false)
	}
}

// emitTyping sends a typing indicator to every participant except the
// typist. Typing is scoped to the conversation, never broadcast globally.
func (b *Broadcaster) emitTyping(identity, conversationID string, participants []string, isTyping bool) {
	ev := event.TypingIndicator{
		Identity:       identity,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}
	for _, p := range participants {
		if p == identity {
			continue
		}
		b.registry.Send(p, ev)
	}
}

// Close cancels all outstanding typing timers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for key, state := range b.typing {
		state.timer.Stop()
		delete(b.typing, key)
	}
}
