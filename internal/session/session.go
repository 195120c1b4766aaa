// ABOUTME: Session represents one live transport connection bound to an identity
// ABOUTME: Carries a buffered outbound queue drained by the connection's write loop

package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/orrodguez19/Seend/internal/event"
)

// queueSize is the outbound channel buffer for each session.
const queueSize = 64

// Session is one live connection owned by exactly one identity. An identity
// may hold any number of concurrent sessions (multi-device).
type Session struct {
	ID       string
	Identity string

	mu     sync.Mutex
	queue  chan event.Outbound
	closed bool
}

// New creates a session for the given identity with a generated id.
func New(identity string) *Session {
	return &Session{
		ID:       uuid.New().String(),
		Identity: identity,
		queue:    make(chan event.Outbound, queueSize),
	}
}

// Events returns the outbound queue for the transport write loop to drain.
// The channel is closed when the session is closed.
func (s *Session) Events() <-chan event.Outbound {
	return s.queue
}

// Enqueue offers an event to the session without blocking. Returns false if
// the session is closed or its queue is full; a full queue means the
// consumer is too slow and the event is dropped for this session only.
func (s *Session) Enqueue(ev event.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// Close marks the session closed and closes its queue. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}
