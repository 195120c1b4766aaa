// ABOUTME: Registry maps identities to their set of live sessions and fans out events
// ABOUTME: The single synchronized owner of connection state; no ambient globals

package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/orrodguez19/Seend/internal/event"
)

// Registry tracks which sessions are live for each identity. All methods
// are safe for concurrent use from many connection handlers. The internal
// lock is never held while calling into storage or the transport; fan-out
// copies the target set under the lock and enqueues outside critical work.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]*Session // identity -> session id -> session
	bySession  map[string]*Session            // session id -> session
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byIdentity: make(map[string]map[string]*Session),
		bySession:  make(map[string]*Session),
		logger:     logger.With("component", "registry"),
	}
}

// Register adds a session. A second session for the same identity is added
// alongside the first, and re-registering an already-present session is a
// no-op. Returns true when this is the identity's first live session, which
// is the online presence transition.
func (r *Registry) Register(sess *Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySession[sess.ID]; exists {
		return false
	}

	sessions, ok := r.byIdentity[sess.Identity]
	if !ok {
		sessions = make(map[string]*Session)
		r.byIdentity[sess.Identity] = sessions
	}
	first = len(sessions) == 0
	sessions[sess.ID] = sess
	r.bySession[sess.ID] = sess

	r.logger.Info("session registered",
		"identity", sess.Identity,
		"session_id", sess.ID,
		"device_count", len(sessions))
	return first
}

// Unregister removes a session by id and closes it. Removing an absent
// session is a no-op (duplicate disconnect signals are tolerated). Returns
// the owning identity and whether this was its last live session.
func (r *Registry) Unregister(sessionID string) (identity string, last bool, ok bool) {
	r.mu.Lock()
	sess, exists := r.bySession[sessionID]
	if !exists {
		r.mu.Unlock()
		return "", false, false
	}

	delete(r.bySession, sessionID)
	identity = sess.Identity
	if sessions, found := r.byIdentity[identity]; found {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byIdentity, identity)
			last = true
		}
	}
	r.mu.Unlock()

	sess.Close()
	r.logger.Info("session unregistered",
		"identity", identity,
		"session_id", sessionID,
		"last", last)
	return identity, last, true
}

// SessionsOf returns a snapshot of the identity's live sessions.
func (r *Registry) SessionsOf(identity string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byIdentity[identity]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// IdentityOf resolves a session id to its owning identity.
func (r *Registry) IdentityOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.bySession[sessionID]
	if !ok {
		return "", false
	}
	return sess.Identity, true
}

// IsOnline reports whether the identity has at least one live session.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}

// Identities returns a sorted snapshot of all currently online identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

// Send enqueues an event on every live session of the identity and returns
// the number of sessions reached.
func (r *Registry) Send(identity string, ev event.Outbound) int {
	return r.SendExcept(identity, "", ev)
}

// SendExcept enqueues an event on every live session of the identity except
// the one with the given id. An empty exclude id targets every session.
func (r *Registry) SendExcept(identity, excludeSessionID string, ev event.Outbound) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byIdentity[identity]))
	for id, s := range r.byIdentity[identity] {
		if excludeSessionID != "" && id == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Enqueue(ev) {
			sent++
		} else {
			r.logger.Debug("dropped event for slow session",
				"identity", identity,
				"session_id", s.ID,
				"event", ev.Kind())
		}
	}
	return sent
}

// Broadcast enqueues an event on every live session of every identity.
func (r *Registry) Broadcast(ev event.Outbound) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if !s.Enqueue(ev) {
			r.logger.Debug("dropped broadcast for slow session",
				"identity", s.Identity,
				"session_id", s.ID,
				"event", ev.Kind())
		}
	}
}

// Close unregisters and closes every session. Used during shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		sessions = append(sessions, s)
	}
	r.byIdentity = make(map[string]map[string]*Session)
	r.bySession = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.logger.Debug("registry closed", "sessions", len(sessions))
}
