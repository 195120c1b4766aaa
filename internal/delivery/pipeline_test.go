// ABOUTME: Tests for the delivery pipeline: status machine, fan-out, replays
// ABOUTME: Uses a recording sink and scripted liveness against an in-memory store

package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrodguez19/Seend/internal/conversation"
	"github.com/orrodguez19/Seend/internal/dedupe"
	"github.com/orrodguez19/Seend/internal/event"
	"github.com/orrodguez19/Seend/internal/store"
)

// recordingSink captures fan-out events per identity instead of routing
// them to live sessions.
type recordingSink struct {
	mu   sync.Mutex
	sent map[string][]event.Outbound
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(map[string][]event.Outbound)}
}

func (r *recordingSink) Send(identity string, ev event.Outbound) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[identity] = append(r.sent[identity], ev)
	return 1
}

func (r *recordingSink) eventsFor(identity string) []event.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Outbound, len(r.sent[identity]))
	copy(out, r.sent[identity])
	return out
}

func (r *recordingSink) statusesFor(identity string) []event.StatusUpdate {
	var out []event.StatusUpdate
	for _, ev := range r.eventsFor(identity) {
		if s, ok := ev.(event.StatusUpdate); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recordingSink) messagesFor(identity string) []event.NewMessage {
	var out []event.NewMessage
	for _, ev := range r.eventsFor(identity) {
		if m, ok := ev.(event.NewMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

// fakeLive scripts which identities count as online.
type fakeLive struct {
	mu     sync.Mutex
	online map[string]bool
}

func (f *fakeLive) IsOnline(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[identity]
}

func (f *fakeLive) set(identity string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[identity] = online
}

type fixture struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	resolver *conversation.Resolver
	sink     *recordingSink
	live     *fakeLive
}

func newFixture(t *testing.T, identities ...string) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, id := range identities {
		require.NoError(t, st.EnsureIdentity(context.Background(), id))
	}

	dd := dedupe.New(5*time.Minute, 1000)
	t.Cleanup(dd.Close)

	resolver := conversation.NewResolver(st, nil)
	sink := newRecordingSink()
	live := &fakeLive{online: make(map[string]bool)}

	return &fixture{
		pipeline: New(st, resolver, live, sink, dd, nil),
		store:    st,
		resolver: resolver,
		sink:     sink,
		live:     live,
	}
}

func (f *fixture) send(t *testing.T, sender string, req *event.SendMessage) *event.Message {
	t.Helper()
	wire, err := f.pipeline.Send(context.Background(), sender, req)
	require.NoError(t, err)
	return wire
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.pipeline.Send(ctx, "alice", &event.SendMessage{To: "bob", Text: "   "})
	assert.ErrorIs(t, err, ErrMissingText)

	_, err = f.pipeline.Send(ctx, "alice", &event.SendMessage{Text: "hi"})
	assert.ErrorIs(t, err, ErrMissingTarget)

	_, err = f.pipeline.Send(ctx, "alice", &event.SendMessage{To: "bob", ConversationID: "c", Text: "hi"})
	assert.ErrorIs(t, err, ErrAmbiguousTarget)
}

func TestSend_UnknownRecipient(t *testing.T) {
	f := newFixture(t, "alice")

	_, err := f.pipeline.Send(context.Background(), "alice", &event.SendMessage{To: "ghost", Text: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSend_NonParticipantRejected(t *testing.T) {
	f := newFixture(t, "alice", "bob", "mallory")
	conv, err := f.resolver.ResolvePair(context.Background(), "alice", "bob")
	require.NoError(t, err)

	_, err = f.pipeline.Send(context.Background(), "mallory", &event.SendMessage{
		ConversationID: conv.ID,
		Text:           "let me in",
	})
	assert.ErrorIs(t, err, conversation.ErrNotParticipant)
}

func TestSend_OnlineRecipientDeliveredImmediately(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.live.set("bob", true)

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hello"})
	assert.Equal(t, string(store.StatusDelivered), wire.Status)

	msgs := f.sink.messagesFor("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.ID, msgs[0].Message.ID)
	assert.Equal(t, "alice", msgs[0].Message.SenderID)

	// The sender's sessions get exactly one copy of the message, and the
	// send-time delivery is announced as a status update.
	require.Len(t, f.sink.messagesFor("alice"), 1)
	statuses := f.sink.statusesFor("alice")
	require.Len(t, statuses, 1)
	assert.Equal(t, string(store.StatusDelivered), statuses[0].Status)
	assert.Equal(t, "bob", statuses[0].Recipient)
	assert.Equal(t, 1, statuses[0].Delivered)
	assert.Equal(t, 1, statuses[0].Recipients)
}

func TestSend_OfflineRecipientStaysSent(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hello"})
	assert.Equal(t, string(store.StatusSent), wire.Status)

	// Fan-out still happens; the registry simply has nowhere to put it.
	// Nothing was delivered, so no status update is announced.
	require.Len(t, f.sink.messagesFor("bob"), 1)
	assert.Empty(t, f.sink.statusesFor("alice"))
}

func TestHandleConnect_FlushesUndelivered(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	w1 := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "first"})
	w2 := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "second"})

	f.live.set("bob", true)
	require.NoError(t, f.pipeline.HandleConnect(ctx, "bob"))

	statuses := f.sink.statusesFor("alice")
	require.Len(t, statuses, 2)
	assert.Equal(t, w1.ID, statuses[0].MessageID, "oldest message flips first")
	assert.Equal(t, w2.ID, statuses[1].MessageID)
	for _, s := range statuses {
		assert.Equal(t, string(store.StatusDelivered), s.Status)
		assert.Equal(t, "bob", s.Recipient)
	}

	// Reconnecting again finds nothing pending and emits nothing new.
	require.NoError(t, f.pipeline.HandleConnect(ctx, "bob"))
	assert.Len(t, f.sink.statusesFor("alice"), 2)
}

func TestMarkSeen_SentJumpReportsDeliveredFirst(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hello"})

	require.NoError(t, f.pipeline.MarkAllSeen(ctx, "bob", wire.ConversationID))

	statuses := f.sink.statusesFor("alice")
	require.Len(t, statuses, 2, "a sent receipt reports both transitions")
	assert.Equal(t, string(store.StatusDelivered), statuses[0].Status)
	assert.Equal(t, string(store.StatusSeen), statuses[1].Status)
	assert.Equal(t, wire.ID, statuses[0].MessageID)
	assert.Equal(t, wire.ID, statuses[1].MessageID)
}

func TestMarkSeen_DeliveredOnlyEmitsSeen(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.live.set("bob", true)
	ctx := context.Background()

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hello"})

	// The send already announced delivered; the acknowledgment adds only
	// the seen transition, never a repeated delivered.
	statuses := f.sink.statusesFor("alice")
	require.Len(t, statuses, 1)
	require.Equal(t, string(store.StatusDelivered), statuses[0].Status)

	require.NoError(t, f.pipeline.MarkAllSeen(ctx, "bob", wire.ConversationID))

	statuses = f.sink.statusesFor("alice")
	require.Len(t, statuses, 2)
	assert.Equal(t, string(store.StatusSeen), statuses[1].Status)
}

func TestMarkSeen_UpToMessageID(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	w1 := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "early"})
	f.send(t, "alice", &event.SendMessage{To: "bob", Text: "late"})

	require.NoError(t, f.pipeline.MarkSeen(ctx, "bob", w1.ConversationID, w1.ID))

	statuses := f.sink.statusesFor("alice")
	for _, s := range statuses {
		assert.Equal(t, w1.ID, s.MessageID, "only the boundary message flips")
	}
	assert.Equal(t, string(store.StatusSeen), statuses[len(statuses)-1].Status)
}

func TestMarkSeen_UpToFromAnotherConversation(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	wAB := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "ours"})
	wCB := f.send(t, "carol", &event.SendMessage{To: "bob", Text: "theirs"})

	err := f.pipeline.MarkSeen(ctx, "bob", wAB.ConversationID, wCB.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkSeen_OutsiderRejected(t *testing.T) {
	f := newFixture(t, "alice", "bob", "mallory")
	ctx := context.Background()

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "private"})

	err := f.pipeline.MarkAllSeen(ctx, "mallory", wire.ConversationID)
	assert.ErrorIs(t, err, conversation.ErrNotParticipant)
}

func TestSend_GroupAggregateKOfN(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	ctx := context.Background()

	conv, err := f.resolver.CreateGroup(ctx, []string{"alice", "bob", "carol", "dave"})
	require.NoError(t, err)

	f.live.set("bob", true)
	f.live.set("carol", true)

	wire := f.send(t, "alice", &event.SendMessage{ConversationID: conv.ID, Text: "hi all"})
	assert.Equal(t, string(store.StatusSent), wire.Status, "aggregate waits for every member")

	// Every member except the sender got the message regardless of status.
	for _, member := range []string{"bob", "carol", "dave"} {
		assert.Len(t, f.sink.messagesFor(member), 1)
	}

	// The two send-time deliveries are announced to the sender with the
	// aggregate counts, so alice sees "delivered to 2 of 3" even if dave
	// never comes back.
	statuses := f.sink.statusesFor("alice")
	require.Len(t, statuses, 2)
	assert.ElementsMatch(t, []string{"bob", "carol"},
		[]string{statuses[0].Recipient, statuses[1].Recipient})
	for _, s := range statuses {
		assert.Equal(t, string(store.StatusDelivered), s.Status)
		assert.Equal(t, wire.ID, s.MessageID)
		assert.Equal(t, 2, s.Delivered)
		assert.Equal(t, 3, s.Recipients)
	}

	// The last member connecting completes delivery.
	f.live.set("dave", true)
	require.NoError(t, f.pipeline.HandleConnect(ctx, "dave"))

	statuses = f.sink.statusesFor("alice")
	require.Len(t, statuses, 3)
	final := statuses[len(statuses)-1]
	assert.Equal(t, "dave", final.Recipient)
	assert.Equal(t, 3, final.Delivered)
	assert.Equal(t, 3, final.Recipients)

	summary, err := f.store.ReceiptSummary(ctx, wire.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, summary.Aggregate())
}

func TestSend_DuplicateClientRefReplaysWithoutFanOut(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	first := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hello", ClientRef: "ref-1"})
	replay := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hello", ClientRef: "ref-1"})

	assert.Equal(t, first.ID, replay.ID, "replay returns the original message")
	assert.Len(t, f.sink.messagesFor("bob"), 1, "no second fan-out")

	history, err := f.store.FetchHistory(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "no duplicate row")
}

func TestSend_ReplyLinksQuote(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	original := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "original"})
	reply := f.send(t, "bob", &event.SendMessage{To: "alice", Text: "replying", ReplyTo: original.ID})

	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, original.ID, reply.ReplyTo.MessageID)
	assert.Equal(t, "alice", reply.ReplyTo.SenderID)
	assert.Equal(t, "original", reply.ReplyTo.Text)
}

func TestSend_ReplyToMissingMessageSoftFails(t *testing.T) {
	f := newFixture(t, "alice", "bob")

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hi", ReplyTo: "no-such-id"})
	assert.Nil(t, wire.ReplyTo, "dangling reference degrades to a plain message")
}

func TestSend_ReplyAcrossConversationsSoftFails(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")

	elsewhere := f.send(t, "alice", &event.SendMessage{To: "carol", Text: "other thread"})
	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "hi", ReplyTo: elsewhere.ID})

	assert.Nil(t, wire.ReplyTo, "quotes never leak across conversations")
}

func TestHistory_ChronologicalWithQuotesAndStatus(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "one"})
	second := f.send(t, "bob", &event.SendMessage{To: "alice", Text: "two", ReplyTo: first.ID})

	require.NoError(t, f.pipeline.MarkAllSeen(ctx, "bob", first.ConversationID))

	history, err := f.pipeline.History(ctx, "bob", first.ConversationID, 50)
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)

	assert.Equal(t, first.ID, history.Messages[0].ID)
	assert.Equal(t, string(store.StatusSeen), history.Messages[0].Status)

	assert.Equal(t, second.ID, history.Messages[1].ID)
	require.NotNil(t, history.Messages[1].ReplyTo)
	assert.Equal(t, first.ID, history.Messages[1].ReplyTo.MessageID)
}

func TestHistory_OutsiderRejected(t *testing.T) {
	f := newFixture(t, "alice", "bob", "mallory")

	wire := f.send(t, "alice", &event.SendMessage{To: "bob", Text: "private"})

	_, err := f.pipeline.History(context.Background(), "mallory", wire.ConversationID, 50)
	assert.ErrorIs(t, err, conversation.ErrNotParticipant)
}

func TestSend_ConcurrentSendsOneConversation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.live.set("bob", true)

	const sends = 20
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Send(context.Background(), "alice", &event.SendMessage{
				To:   "bob",
				Text: "burst",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, err := f.resolver.ResolvePair(context.Background(), "alice", "bob")
	require.NoError(t, err)
	history, err := f.store.FetchHistory(context.Background(), conv.ID, 100)
	require.NoError(t, err)
	assert.Len(t, history, sends)

	// Timestamps are non-decreasing in fetch order.
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}
}
