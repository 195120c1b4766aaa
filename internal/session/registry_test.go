// ABOUTME: Tests for the session registry: registration, multi-device, fan-out
// ABOUTME: Covers idempotency, first/last transitions, and concurrent access

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrodguez19/Seend/internal/event"
)

func drain(s *Session) []event.Outbound {
	var out []event.Outbound
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegistry_FirstAndSecondSession(t *testing.T) {
	r := NewRegistry(nil)

	s1 := New("alice")
	s2 := New("alice")

	assert.True(t, r.Register(s1), "first session should report the online transition")
	assert.False(t, r.Register(s2), "second device should not report online again")

	sessions := r.SessionsOf("alice")
	assert.Len(t, sessions, 2)
	assert.True(t, r.IsOnline("alice"))
}

func TestRegistry_RegisterIsIdempotentPerSession(t *testing.T) {
	r := NewRegistry(nil)

	s := New("alice")
	assert.True(t, r.Register(s))
	assert.False(t, r.Register(s), "re-registering the same session must be a no-op")
	assert.Len(t, r.SessionsOf("alice"), 1)
}

func TestRegistry_UnregisterLastSession(t *testing.T) {
	r := NewRegistry(nil)

	s1 := New("alice")
	s2 := New("alice")
	r.Register(s1)
	r.Register(s2)

	identity, last, ok := r.Unregister(s1.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	assert.False(t, last, "one device remains")

	identity, last, ok = r.Unregister(s2.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	assert.True(t, last, "last session should report the offline transition")
	assert.False(t, r.IsOnline("alice"))
}

func TestRegistry_UnregisterAbsentIsNoOp(t *testing.T) {
	r := NewRegistry(nil)

	_, _, ok := r.Unregister("nope")
	assert.False(t, ok)

	// Duplicate disconnect signals must be tolerated.
	s := New("alice")
	r.Register(s)
	_, _, ok = r.Unregister(s.ID)
	require.True(t, ok)
	_, _, ok = r.Unregister(s.ID)
	assert.False(t, ok)
}

func TestRegistry_IdentityOf(t *testing.T) {
	r := NewRegistry(nil)

	s := New("bob")
	r.Register(s)

	identity, ok := r.IdentityOf(s.ID)
	require.True(t, ok)
	assert.Equal(t, "bob", identity)

	_, ok = r.IdentityOf("missing")
	assert.False(t, ok)
}

func TestRegistry_SendReachesAllDevices(t *testing.T) {
	r := NewRegistry(nil)

	s1 := New("alice")
	s2 := New("alice")
	r.Register(s1)
	r.Register(s2)

	sent := r.Send("alice", event.Error{Code: "test"})
	assert.Equal(t, 2, sent)
	assert.Len(t, drain(s1), 1)
	assert.Len(t, drain(s2), 1)
}

func TestRegistry_SendExceptSkipsOriginatingSession(t *testing.T) {
	r := NewRegistry(nil)

	s1 := New("alice")
	s2 := New("alice")
	r.Register(s1)
	r.Register(s2)

	sent := r.SendExcept("alice", s1.ID, event.Error{Code: "echo"})
	assert.Equal(t, 1, sent)
	assert.Empty(t, drain(s1))
	assert.Len(t, drain(s2), 1)
}

func TestRegistry_BroadcastReachesEveryIdentity(t *testing.T) {
	r := NewRegistry(nil)

	sa := New("alice")
	sb := New("bob")
	r.Register(sa)
	r.Register(sb)

	r.Broadcast(event.PresenceUpdate{Identity: "carol", Online: true})
	assert.Len(t, drain(sa), 1)
	assert.Len(t, drain(sb), 1)
}

func TestRegistry_Identities(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(New("carol"))
	r.Register(New("alice"))
	r.Register(New("alice"))
	r.Register(New("bob"))

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Identities())
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			identity := fmt.Sprintf("user-%d", n%5)
			s := New(identity)
			r.Register(s)
			r.Send(identity, event.Error{Code: "ping"})
			r.Unregister(s.ID)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.Identities())
}

func TestSession_EnqueueAfterCloseReturnsFalse(t *testing.T) {
	s := New("alice")
	s.Close()
	assert.False(t, s.Enqueue(event.Error{Code: "late"}))
	// Closing again must not panic.
	s.Close()
}

func TestSession_EnqueueDropsWhenFull(t *testing.T) {
	s := New("alice")
	for i := 0; i < queueSize; i++ {
		require.True(t, s.Enqueue(event.Error{Code: "fill"}))
	}
	assert.False(t, s.Enqueue(event.Error{Code: "overflow"}))
}
