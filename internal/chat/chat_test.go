package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu            sync.Mutex
	conversations []model.Conversation
	pages         map[string][]model.Message
	drafts        []model.Draft
	persistErr    error
	fetchErr      error
	nextID        string
	block         chan struct{}
}

func (s *fakeStore) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.conversations, nil
}

func (s *fakeStore) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.pages[conversationID], nil
}

func (s *fakeStore) PersistMessage(ctx context.Context, draft model.Draft) (model.Message, error) {
	s.mu.Lock()
	s.drafts = append(s.drafts, draft)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return model.Message{}, s.persistErr
	}
	return model.Message{ID: s.nextID, ClientID: draft.ClientID, Content: draft.Content, Status: model.StatusSent}, nil
}

type harness struct {
	client *Client
	clock  *clock.FakeClock
	dialer *transport.PipeDialer
	store  *fakeStore
}

func newHarness(t *testing.T, store *fakeStore) *harness {
	t.Helper()
	fc := clock.Fake(epoch)
	dialer := transport.NewPipeDialer()
	session := transport.NewSession(dialer, transport.Options{Clock: fc})

	var s Store
	if store != nil {
		s = store
	}
	client := New(session, s, Options{Clock: fc})
	t.Cleanup(client.Disconnect)
	return &harness{client: client, clock: fc, dialer: dialer, store: store}
}

func (h *harness) connect(t *testing.T) *transport.PipeConn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background(), transport.Credentials{UserID: "a", Token: "token"}))
	require.Equal(t, model.StateConnected, h.client.State())
	return h.dialer.Last()
}

func (h *harness) messages(conv string) []model.Message {
	return h.client.Snapshot().Messages[conv]
}

func sentOfType[T event.Outbound](conn *transport.PipeConn) []T {
	var out []T
	for _, e := range conn.Sent() {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestSendMessageIsOptimisticallyVisible(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	notifications, cancel := h.client.Subscribe(16)
	defer cancel()

	msg, err := h.client.SendMessage(context.Background(), "hi", SendOptions{TargetUserID: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.True(t, msg.Pending)

	var statuses []model.Status
	for len(notifications) > 0 {
		n := <-notifications
		if n.Kind == KindMessage {
			statuses = append(statuses, n.Message.Status)
		}
	}
	assert.Equal(t, []model.Status{model.StatusSending, model.StatusSent}, statuses)

	msgs := h.messages("direct_b")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.True(t, msgs[0].IsOwn)

	sent := sentOfType[event.SendMessage](conn)
	require.Len(t, sent, 1)
	assert.Equal(t, msgs[0].ClientID, sent[0].ClientID)
	assert.Equal(t, "b", sent[0].TargetUserID)
}

func TestSendWhileDisconnectedInsertsNothing(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.client.SendMessage(context.Background(), "hello", SendOptions{TargetUserID: "b"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.client.Snapshot().Messages)
	assert.Empty(t, h.client.Conversations())
}

func TestSendValidatesInput(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	_, err := h.client.SendMessage(context.Background(), "  ", SendOptions{TargetUserID: "b"})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = h.client.SendMessage(context.Background(), "hi", SendOptions{TargetUserID: "b", GroupID: "g"})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = h.client.SendMessage(context.Background(), "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestMessageSentReplacesPendingInPlace(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	_, err := h.client.SendMessage(context.Background(), "hello", SendOptions{TargetUserID: "b"})
	require.NoError(t, err)

	conn.Deliver(event.MessageSent{MessageID: "m1", TargetUserID: "b", Status: model.StatusDelivered})

	eventually(t, func() bool {
		msgs := h.messages("direct_b")
		return len(msgs) == 1 && msgs[0].ID == "m1"
	})
	msgs := h.messages("direct_b")
	assert.Equal(t, model.StatusDelivered, msgs[0].Status)
	assert.False(t, msgs[0].Pending)
	assert.Zero(t, h.clock.PendingCount(), "ack should cancel the send deadline")
}

func TestSendAckEchoProducesOneEntry(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	msg, err := h.client.SendMessage(context.Background(), "hello", SendOptions{TargetUserID: "b"})
	require.NoError(t, err)

	conn.Deliver(event.MessageSent{MessageID: "m1", ClientID: msg.ClientID, TargetUserID: "b", Status: model.StatusSent})
	conn.Deliver(event.ReceiveMessage{MessagePayload: event.MessagePayload{
		MessageID: "m1", Content: "hello", SenderID: "a", RecipientID: "b", Timestamp: epoch, Status: model.StatusDelivered,
	}})

	eventually(t, func() bool {
		msgs := h.messages("direct_b")
		return len(msgs) == 1 && msgs[0].Status == model.StatusDelivered
	})
	assert.Len(t, h.messages("direct_b"), 1)
}

func TestPersistSuccessConfirmsMessage(t *testing.T) {
	store := &fakeStore{nextID: "m5"}
	h := newHarness(t, store)
	h.connect(t)

	msg, err := h.client.SendMessage(context.Background(), "durable", SendOptions{GroupID: "team"})
	require.NoError(t, err)

	assert.Equal(t, "m5", msg.ID)
	assert.Equal(t, model.StatusSent, msg.Status)
	require.Len(t, store.drafts, 1)
	assert.Equal(t, msg.ClientID, store.drafts[0].ClientID)
	assert.Equal(t, "team", store.drafts[0].GroupID)
}

func TestPersistFailureAfterTransportAcceptanceStaysSent(t *testing.T) {
	store := &fakeStore{persistErr: errors.New("api down")}
	h := newHarness(t, store)
	h.connect(t)

	msg, err := h.client.SendMessage(context.Background(), "hi", SendOptions{TargetUserID: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.Zero(t, h.clock.PendingCount(), "accepted send should cancel the send deadline")

	h.clock.Advance(DefaultSendTimeout)

	msgs := h.messages("direct_b")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusSent, msgs[0].Status)
}

func TestBothChannelsFailingMarksError(t *testing.T) {
	store := &fakeStore{persistErr: errors.New("api down")}
	h := newHarness(t, store)
	conn := h.connect(t)
	conn.FailSends(errors.New("broken pipe"))

	msg, err := h.client.SendMessage(context.Background(), "hi", SendOptions{TargetUserID: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, msg.Status)

	conv, ok := findConversation(h.client.Conversations(), "direct_b")
	require.True(t, ok)
	assert.Equal(t, model.StatusError, conv.LastMessage.Status)
}

func TestTransportFailureWithPersistSuccessIsSent(t *testing.T) {
	store := &fakeStore{nextID: "m9"}
	h := newHarness(t, store)
	conn := h.connect(t)
	conn.FailSends(errors.New("broken pipe"))

	msg, err := h.client.SendMessage(context.Background(), "hi", SendOptions{TargetUserID: "b"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.Equal(t, "m9", msg.ID)
}

func TestUnsettledSendTimesOut(t *testing.T) {
	store := &fakeStore{persistErr: errors.New("api down"), block: make(chan struct{})}
	h := newHarness(t, store)
	conn := h.connect(t)
	conn.FailSends(errors.New("broken pipe"))

	done := make(chan model.Message, 1)
	go func() {
		msg, _ := h.client.SendMessage(context.Background(), "hi", SendOptions{TargetUserID: "b"})
		done <- msg
	}()
	eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.drafts) == 1
	})

	h.clock.Advance(DefaultSendTimeout)

	msgs := h.messages("direct_b")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusError, msgs[0].Status)

	close(store.block)
	msg := <-done
	assert.Equal(t, msgs[0].ClientID, msg.ClientID)
	assert.Equal(t, model.StatusError, msg.Status)
}

func TestUnreadAccountingAndMarkAsRead(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.Deliver(event.ReceiveMessage{MessagePayload: event.MessagePayload{
		MessageID: "p1", Content: "yo", SenderID: "b", RecipientID: "a", Timestamp: epoch,
	}})

	eventually(t, func() bool {
		conv, ok := findConversation(h.client.Conversations(), "direct_b")
		return ok && conv.UnreadCount == 1
	})

	require.NoError(t, h.client.MarkAsRead(context.Background(), []string{"p1"}))

	conv, _ := findConversation(h.client.Conversations(), "direct_b")
	assert.Zero(t, conv.UnreadCount)
	assert.Equal(t, model.StatusRead, h.messages("direct_b")[0].Status)

	reads := sentOfType[event.MarkAsRead](conn)
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"p1"}, reads[0].MessageIDs)
}

func TestActiveConversationDoesNotCountUnread(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	require.NoError(t, h.client.SetActiveConversation("direct_b"))

	conn.Deliver(event.ReceiveMessage{MessagePayload: event.MessagePayload{
		MessageID: "p1", Content: "yo", SenderID: "b", RecipientID: "a", Timestamp: epoch,
	}})

	eventually(t, func() bool { return len(h.messages("direct_b")) == 1 })
	conv, _ := findConversation(h.client.Conversations(), "direct_b")
	assert.Zero(t, conv.UnreadCount)
}

func TestMarkAsReadWhileDisconnectedIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.client.MarkAsRead(context.Background(), []string{"p1"}))
}

func TestTypingIndicatorExpires(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.Deliver(event.UserTyping{UserID: "b", Username: "Bob", IsTyping: true})
	eventually(t, func() bool { return len(h.client.Snapshot().TypingUsers) == 1 })

	typing := h.client.Snapshot().TypingUsers[0]
	assert.Equal(t, "b", typing.UserID)
	assert.Equal(t, "a", typing.TargetUserID)

	h.clock.Advance(3 * time.Second)
	assert.Empty(t, h.client.Snapshot().TypingUsers)
}

func TestTypingStopClearsIndicator(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	conn.Deliver(event.UserTyping{UserID: "b", IsTyping: true})
	conn.Deliver(event.UserTyping{FromUserID: "b", IsTyping: false})

	eventually(t, func() bool {
		return len(h.client.Snapshot().TypingUsers) == 0 && h.clock.PendingCount() == 0
	})
}

func TestStartTypingIsThrottled(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.client.StartTyping(ctx, "b", ""))
	require.NoError(t, h.client.StartTyping(ctx, "b", ""))
	assert.Len(t, sentOfType[event.Typing](conn), 1)

	h.clock.Advance(DefaultTypingThrottle)
	require.NoError(t, h.client.StartTyping(ctx, "b", ""))
	assert.Len(t, sentOfType[event.Typing](conn), 2)

	require.NoError(t, h.client.StopTyping(ctx, "b", ""))
	typing := sentOfType[event.Typing](conn)
	require.Len(t, typing, 3)
	assert.False(t, typing[2].IsTyping)

	require.NoError(t, h.client.StartTyping(ctx, "b", ""))
	assert.Len(t, sentOfType[event.Typing](conn), 4)
}

func TestTypingWhileDisconnectedIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.client.StartTyping(context.Background(), "b", ""))
	assert.NoError(t, h.client.StopTyping(context.Background(), "", "team"))
	assert.ErrorIs(t, h.client.StartTyping(context.Background(), "", ""), ErrInvalidTarget)
}

func TestPresenceSnapshotReplacesSet(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	assert.Len(t, sentOfType[event.GetUsersOnline](conn), 1)

	conn.Deliver(event.OnlineUsersReceived{OnlineUsers: []string{"b", "c"}})
	eventually(t, func() bool { return len(h.client.Snapshot().OnlineUsers) == 2 })

	conn.Deliver(event.OnlineUsersReceived{OnlineUsers: []string{"d"}})
	eventually(t, func() bool {
		online := h.client.Snapshot().OnlineUsers
		return len(online) == 1 && online[0] == "d"
	})
}

func TestGetMessagesOverwritesHistory(t *testing.T) {
	store := &fakeStore{pages: map[string][]model.Message{
		"direct_b": {
			{ID: "h1", Content: "old", SenderID: "b", RecipientID: "a", Timestamp: epoch.Add(-time.Hour), Status: model.StatusRead},
		},
	}}
	h := newHarness(t, store)
	conn := h.connect(t)

	conn.Deliver(event.ReceiveMessage{MessagePayload: event.MessagePayload{
		MessageID: "p1", Content: "stale", SenderID: "b", RecipientID: "a", Timestamp: epoch,
	}})
	eventually(t, func() bool { return len(h.messages("direct_b")) == 1 })

	msgs, err := h.client.GetMessages(context.Background(), "direct_b", 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "h1", msgs[0].ID)
	assert.Equal(t, "h1", h.messages("direct_b")[0].ID)
}

func TestHistoryFailureIsTransient(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("503")}
	h := newHarness(t, store)
	h.connect(t)
	notifications, cancel := h.client.Subscribe(16)
	defer cancel()

	_, err := h.client.GetMessages(context.Background(), "direct_b", 50, 0)
	require.Error(t, err)
	assert.Equal(t, model.StateConnected, h.client.State())

	n := <-notifications
	assert.Equal(t, KindError, n.Kind)
	assert.Contains(t, n.Error, "history fetch failed")
}

func TestGetMessagesRejectsBadConversation(t *testing.T) {
	h := newHarness(t, &fakeStore{})
	_, err := h.client.GetMessages(context.Background(), "nonsense", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidConversation)
}

func TestLoadConversations(t *testing.T) {
	store := &fakeStore{conversations: []model.Conversation{
		{ID: "group_team", Name: "Team", Type: model.ConversationGroup, UnreadCount: 3, Timestamp: epoch},
	}}
	h := newHarness(t, store)

	convs, err := h.client.LoadConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 3, convs[0].UnreadCount)
}

func TestGroupLifecycleEvents(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)

	require.NoError(t, h.client.CreateGroup(context.Background(), "Team", []string{"a", "b"}, ""))
	assert.Len(t, sentOfType[event.CreateGroup](conn), 1)

	conn.Deliver(event.GroupCreated{GroupID: "team", GroupName: "Team", MemberIDs: []string{"a", "b", "c"}})
	eventually(t, func() bool {
		_, ok := findConversation(h.client.Conversations(), "group_team")
		return ok
	})

	conn.Deliver(event.UserLeftGroup{GroupID: "team", UserID: "c"})
	eventually(t, func() bool {
		conv, _ := findConversation(h.client.Conversations(), "group_team")
		return len(conv.Participants) == 2
	})

	require.NoError(t, h.client.LeaveGroup(context.Background(), "team"))
	conn.Deliver(event.LeftGroup{GroupID: "team"})
	eventually(t, func() bool {
		_, ok := findConversation(h.client.Conversations(), "group_team")
		return !ok
	})
}

func TestGroupCommandsRequireConnection(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.client.JoinGroup(context.Background(), "team"), ErrNotConnected)
	assert.ErrorIs(t, h.client.RequestOnlineUsers(context.Background()), ErrNotConnected)
}

func TestServerErrorIsSurfacedOnce(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	notifications, cancel := h.client.Subscribe(16)
	defer cancel()

	conn.Deliver(event.Error{Message: "rate limited"})

	n := <-notifications
	assert.Equal(t, KindError, n.Kind)
	assert.Equal(t, "rate limited", n.Error)
	assert.Equal(t, model.StateConnected, h.client.State())
}

func TestSubscribeSeesStateChanges(t *testing.T) {
	h := newHarness(t, nil)
	notifications, cancel := h.client.Subscribe(16)
	defer cancel()

	h.connect(t)

	first := <-notifications
	second := <-notifications
	assert.Equal(t, model.StateConnecting, first.State)
	assert.Equal(t, model.StateConnected, second.State)
}

func TestOpenDirectReusesThread(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect(t)
	conn.Deliver(event.ReceiveMessage{MessagePayload: event.MessagePayload{
		MessageID: "p1", Content: "yo", SenderID: "b", RecipientID: "a", Timestamp: epoch,
	}})
	eventually(t, func() bool { return len(h.client.Conversations()) == 1 })

	conv, err := h.client.OpenDirect("b")
	require.NoError(t, err)
	assert.Equal(t, "direct_b", conv.ID)
	assert.Len(t, h.client.Conversations(), 1)
}

func findConversation(convs []model.Conversation, id string) (model.Conversation, bool) {
	for _, conv := range convs {
		if conv.ID == id {
			return conv, true
		}
	}
	return model.Conversation{}, false
}
