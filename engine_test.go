package marketsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Identity{UserID: "u1", Username: "alice", Token: "tok-a"}
	bob   = Identity{UserID: "u2", Username: "bob", Token: "tok-b"}
)

const notifChan = "private-notifications.u1"

// ============================================================================
// Session lifecycle
// ============================================================================

func TestEngine_EstablishLoadsBaseline(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false), notif("2", 2, true))
	b.setConversations(convState("c1", 1, "m1"))
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)

	e.OnAuthEstablished(alice)
	e.settle()

	s := e.Snapshot()
	assert.Equal(t, []string{"2", "1"}, notifIDs(s))
	assert.Equal(t, 1, s.UnreadCount)
	require.Len(t, s.Conversations, 1)
	assert.Equal(t, 1, s.Conversations[0].UnreadCount)
	assert.True(t, s.Connected)
	assert.True(t, s.Baseline)
	require.NotNil(t, s.Identity)
	assert.Equal(t, "u1", s.Identity.UserID)
	assert.True(t, ts.get(t, "u1").isSubscribed(notifChan))
	assert.False(t, ts.get(t, "u1").isSubscribed(ChatChannel("u1")))
}

func TestEngine_EstablishSameUserIsNoop(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)

	e.OnAuthEstablished(alice)
	e.settle()
	first := ts.get(t, "u1")
	fetches := b.fetchCount()

	e.OnAuthEstablished(alice)
	e.settle()
	assert.Same(t, first, ts.get(t, "u1"))
	assert.Equal(t, fetches, b.fetchCount())
}

func TestEngine_AuthClearedEmptiesState(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false))
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)

	e.OnAuthEstablished(alice)
	e.settle()
	tr := ts.get(t, "u1")

	e.OnAuthCleared()
	s := e.Snapshot()
	assert.Empty(t, s.Notifications)
	assert.Zero(t, s.UnreadCount)
	assert.Nil(t, s.Identity)
	assert.False(t, s.Connected)
	assert.Nil(t, e.Identity())
	assert.False(t, tr.isSubscribed(notifChan))
	assert.True(t, tr.isClosed())

	// Late push on the old subscription changes nothing.
	tr.emit(notifChan, "notification.created", `{"id":"9","createdAt":"2026-03-01T12:00:00Z"}`)
	assert.Empty(t, e.Snapshot().Notifications)
}

func TestEngine_SessionIsolation(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)

	b.setNotifications(notif("a1", 1, false), notif("a2", 2, false))
	b.setConversations(convState("ca", 1, "m1"))
	e.OnAuthEstablished(alice)
	e.settle()
	require.Len(t, e.Snapshot().Notifications, 2)
	trA := ts.get(t, "u1")

	// Hold the next fetch; it will return alice's data even though it
	// resolves inside bob's session.
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.mu.Lock()
	b.fetchNotifs = func(ctx context.Context) ([]Notification, error) {
		<-release
		return []Notification{notif("b1", 1, false)}, nil
	}
	b.mu.Unlock()
	b.setConversations(convState("cb", 1))

	e.OnAuthEstablished(bob)

	s := e.Snapshot()
	require.NotNil(t, s.Identity)
	assert.Equal(t, "u2", s.Identity.UserID)
	assert.Empty(t, s.Notifications, "bob must not see alice's notifications")
	assert.Empty(t, s.Conversations, "bob must not see alice's conversations")
	assert.Zero(t, s.UnreadCount)

	trA.emit(notifChan, "notification.created", `{"id":"a3","createdAt":"2026-03-01T12:00:00Z"}`)
	assert.Empty(t, e.Snapshot().Notifications)

	closeOnce(release)
	e.settle()
	s = e.Snapshot()
	assert.Equal(t, []string{"b1"}, notifIDs(s))
	_, leaked := findConversation(s, "ca")
	assert.False(t, leaked)
}

func TestEngine_StaleFetchDiscarded(t *testing.T) {
	b := newFakeBackend()
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.fetchNotifs = func(ctx context.Context) ([]Notification, error) {
		closeOnce(started)
		<-release
		return []Notification{notif("late", 1, false)}, nil
	}
	e := newTestEngine(t, b, nil)

	e.OnAuthEstablished(alice)
	<-started
	e.OnAuthCleared()
	closeOnce(release)
	e.settle()

	assert.Empty(t, e.Snapshot().Notifications)
}

func TestEngine_NoSession(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), nil)
	assert.ErrorIs(t, e.Refresh(context.Background()), ErrNoSession)
	h := e.MarkAsRead("1")
	<-h.Done()
	assert.ErrorIs(t, h.Err(), ErrNoSession)
}

// ============================================================================
// Push path
// ============================================================================

func TestEngine_PushEvents(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	tr := ts.get(t, "u1")

	tr.emit(notifChan, "notification.created", `{"id":"5","title":"Offer","createdAt":"2026-03-01T12:00:00Z","targetUserId":"u1"}`)
	tr.emit(notifChan, "notification.created", `{"id":"6","createdAt":"2026-03-01T12:01:00Z","targetUserId":"someone-else"}`)
	tr.emit(notifChan, "notification.created", `{"id":`)
	assert.Equal(t, []string{"5"}, notifIDs(e.Snapshot()))
	assert.Equal(t, 1, e.Snapshot().UnreadCount)

	tr.emit(notifChan, "notification.read", `{"ids":["5"]}`)
	tr.emit(notifChan, "notification.read", `{"ids":["5"]}`)
	assert.Zero(t, e.Snapshot().UnreadCount)

	tr.emit(notifChan, "notification.deleted", `{"id":"5"}`)
	assert.Empty(t, e.Snapshot().Notifications)
}

func TestEngine_ChatChannel(t *testing.T) {
	b := newFakeBackend()
	b.setConversations(convState("c1", 2), convState("c2", 1))
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	tr := ts.get(t, "u1")
	chat := ChatChannel("u1")

	e.SetChatActive(true)
	require.True(t, tr.isSubscribed(chat))
	e.settle()

	tr.emit(chat, "message.created", `{"id":"m9","conversationId":"c2","senderId":"u7","body":"is it still available?","createdAt":"2026-03-01T12:00:00Z"}`)
	s := e.Snapshot()
	require.Len(t, s.Conversations, 2)
	assert.Equal(t, "c2", s.Conversations[0].ID)
	assert.Equal(t, 1, s.Conversations[0].UnreadCount)
	assert.Equal(t, []string{"m9"}, e.UnreadMessageIDs("c2"))

	tr.emit(chat, "presence.ping", `{"userId":"u7"}`)
	assert.True(t, e.IsOnline("u7"))

	e.SetChatActive(false)
	assert.False(t, tr.isSubscribed(chat))
}

func TestEngine_OpeningChatChannelReconciles(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	require.True(t, e.Snapshot().Baseline)
	before := b.fetchCount()

	// Sent while the chat channel was closed, so only a fetch can bring it in.
	b.setConversations(convState("c1", 1, "m1"))
	e.SetChatActive(true)
	e.settle()

	s := e.Snapshot()
	assert.Equal(t, before+1, b.fetchCount())
	c, ok := findConversation(s, "c1")
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)
	assert.True(t, s.Baseline)

	// Reopening an already open channel is not a new boundary.
	e.SetChatActive(true)
	e.settle()
	assert.Equal(t, before+1, b.fetchCount())
}

func TestEngine_ChannelOpenedDuringFetchOwesFollowUp(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	before := b.fetchCount()

	started, release := make(chan struct{}), make(chan struct{})
	b.mu.Lock()
	b.fetchNotifs = func(ctx context.Context) ([]Notification, error) {
		closeOnce(started)
		<-release
		return nil, nil
	}
	b.mu.Unlock()

	f := e.poller.trigger(TriggerManual)
	require.NotNil(t, f)
	<-started
	e.SetChatActive(true)
	assert.False(t, e.Snapshot().Baseline)
	close(release)
	e.settle()

	assert.Equal(t, before+2, b.fetchCount(), "the fetch in flight predates the channel")
	assert.True(t, e.Snapshot().Baseline)
}

func TestEngine_TypingExpires(t *testing.T) {
	clock := &fakeClock{now: t0}
	ts := &transports{connected: true}
	e := newTestEngine(t, newFakeBackend(), ts.factory, WithClock(clock.Now),
		WithConfig(Config{PollInterval: time.Hour, MinFetchGap: time.Nanosecond, ChatActive: true}))
	e.OnAuthEstablished(alice)
	e.settle()
	tr := ts.get(t, "u1")

	tr.emit(ChatChannel("u1"), "typing", `{"userId":"u7","conversationId":"c1"}`)
	assert.True(t, e.IsTyping("u7", "c1"))
	assert.Equal(t, []string{"u7"}, e.Snapshot().TypingUserIDs)

	clock.Advance(DefaultTypingTTL + time.Second)
	assert.False(t, e.IsTyping("u7", "c1"))
	assert.Empty(t, e.Snapshot().TypingUserIDs)
}

func TestEngine_PushDuringFetchIsReplayed(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	tr := ts.get(t, "u1")

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.mu.Lock()
	b.fetchNotifs = func(ctx context.Context) ([]Notification, error) {
		closeOnce(started)
		<-release
		return []Notification{notif("1", 1, false)}, nil
	}
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.Refresh(context.Background()) }()
	<-started
	tr.emit(notifChan, "notification.created", `{"id":"9","createdAt":"2026-03-01T13:00:00Z"}`)
	closeOnce(release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"9", "1"}, notifIDs(e.Snapshot()))
	assert.Equal(t, 2, e.Snapshot().UnreadCount)
}

// ============================================================================
// Connection health
// ============================================================================

func TestEngine_ReconnectReconciles(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	tr := ts.get(t, "u1")
	require.Empty(t, e.Snapshot().Notifications)

	tr.setConnected(false)
	s := e.Snapshot()
	assert.False(t, s.Connected)
	assert.False(t, s.Baseline)

	// Created on the server while the push channel was down.
	b.setNotifications(notif("7", 1, false))

	tr.setConnected(true)
	e.settle()
	s = e.Snapshot()
	assert.True(t, s.Connected)
	assert.True(t, s.Baseline)
	assert.Equal(t, []string{"7"}, notifIDs(s))
	assert.Equal(t, 1, s.UnreadCount)

	// The same notification redelivered over push does not duplicate.
	tr.emit(notifChan, "notification.created", `{"id":"7","kind":"listing.reply","title":"n7","createdAt":"2026-03-01T12:01:00Z"}`)
	s = e.Snapshot()
	assert.Equal(t, []string{"7"}, notifIDs(s))
	assert.Equal(t, 1, s.UnreadCount)
}

func TestEngine_RepeatedConnectSignalsAreNotEdges(t *testing.T) {
	b := newFakeBackend()
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory)
	e.OnAuthEstablished(alice)
	e.settle()
	fetches := b.fetchCount()

	tr := ts.get(t, "u1")
	tr.setConnected(true)
	tr.setConnected(true)
	e.settle()
	assert.Equal(t, fetches, b.fetchCount())
}

func TestEngine_SubscribeFailureFallsBackToPolling(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false))
	tr := newFakeTransport(true)
	tr.failSubscribe[notifChan] = errors.New("403 forbidden")
	e := newTestEngine(t, b, func(context.Context, Identity) (Transport, error) { return tr, nil })

	e.OnAuthEstablished(alice)
	e.settle()
	s := e.Snapshot()
	assert.False(t, s.Connected, "a failed subscription is reported as disconnected")
	assert.Equal(t, []string{"1"}, notifIDs(s), "state still arrives through the poller")
	assert.True(t, e.channels.hasFailures())

	tr.mu.Lock()
	delete(tr.failSubscribe, notifChan)
	tr.mu.Unlock()
	e.poller.onTick(e.store.current())
	e.settle()

	assert.True(t, tr.isSubscribed(notifChan))
	assert.False(t, e.channels.hasFailures())
	s = e.Snapshot()
	assert.True(t, s.Connected)
	assert.True(t, s.Baseline)
}

func TestEngine_TransportFactoryErrorPollsOnly(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false))
	ts := &transports{err: errors.New("dial failed")}
	e := newTestEngine(t, b, ts.factory)

	e.OnAuthEstablished(alice)
	e.settle()
	s := e.Snapshot()
	assert.False(t, s.Connected)
	assert.Equal(t, []string{"1"}, notifIDs(s))
}

func TestEngine_PartialFetchKeepsOtherFeed(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false))
	b.setConversations(convState("c1", 1))
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	b.mu.Lock()
	b.convErr = apiFailure("fetch conversations")
	b.notifications = []Notification{notif("1", 1, false), notif("2", 2, false)}
	b.mu.Unlock()

	err := e.Refresh(waitCtx(t))
	var bre *BackendRequestError
	require.ErrorAs(t, err, &bre)
	s := e.Snapshot()
	assert.Equal(t, []string{"2", "1"}, notifIDs(s))
	_, ok := findConversation(s, "c1")
	assert.True(t, ok, "failed feed keeps its previous state")
}

// ============================================================================
// Optimistic mutations
// ============================================================================

func TestEngine_OptimisticRollback(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("3", 3, false), notif("4", 4, false))
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.markRead = func(int, []string) error {
		<-release
		return apiFailure("mark notifications read")
	}
	e := newTestEngine(t, b, nil)
	var failures failureLog
	e.OnFailure(failures.add)
	e.OnAuthEstablished(alice)
	e.settle()
	require.Equal(t, 2, e.Snapshot().UnreadCount)

	h := e.MarkAsRead("3")
	n, _ := findNotification(e.Snapshot(), "3")
	assert.False(t, n.Unread(), "applied before the backend answers")
	assert.Equal(t, 1, e.Snapshot().UnreadCount)

	closeOnce(release)
	err := h.Wait(waitCtx(t))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Status)

	n, _ = findNotification(e.Snapshot(), "3")
	assert.True(t, n.Unread(), "rolled back after the failure")
	assert.Equal(t, 2, e.Snapshot().UnreadCount)

	got := failures.all()
	require.Len(t, got, 1, "exactly one failure signal")
	assert.Equal(t, MutationMarkRead, got[0].Kind)
	assert.Equal(t, []string{"3"}, got[0].IDs)
	assert.Equal(t, h.LocalID, got[0].LocalID)
}

func TestEngine_SupersededFailureIsSilent(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("3", 3, false))
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.markRead = func(call int, _ []string) error {
		if call == 1 {
			closeOnce(started)
			<-release
			return apiFailure("mark notifications read")
		}
		return nil
	}
	e := newTestEngine(t, b, nil)
	var failures failureLog
	e.OnFailure(failures.add)
	e.OnAuthEstablished(alice)
	e.settle()

	first := e.MarkAsRead("3")
	<-started
	second := e.MarkAsRead("3")
	require.NoError(t, second.Wait(waitCtx(t)))

	closeOnce(release)
	assert.Error(t, first.Wait(waitCtx(t)))
	e.settle()

	assert.Empty(t, failures.all())
	n, _ := findNotification(e.Snapshot(), "3")
	assert.False(t, n.Unread())
}

func TestEngine_FetchInFlightDoesNotUndoOptimisticRead(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("3", 3, false))
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.mu.Lock()
	b.fetchNotifs = func(ctx context.Context) ([]Notification, error) {
		closeOnce(started)
		<-release
		// The server has not seen the read yet.
		return []Notification{notif("3", 3, false)}, nil
	}
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.Refresh(context.Background()) }()
	<-started
	require.NoError(t, e.MarkAsRead("3").Wait(waitCtx(t)))

	closeOnce(release)
	require.NoError(t, <-done)
	n, _ := findNotification(e.Snapshot(), "3")
	assert.False(t, n.Unread())
	assert.Zero(t, e.Snapshot().UnreadCount)
}

func TestEngine_MarkAllAsRead(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false), notif("2", 2, false), notif("3", 3, true))
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	require.NoError(t, e.MarkAllAsRead().Wait(waitCtx(t)))
	assert.Zero(t, e.Snapshot().UnreadCount)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.markCalls, 1)
	assert.ElementsMatch(t, []string{"1", "2"}, b.markCalls[0])
}

func TestEngine_MarkAllAsReadWithNothingUnread(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, true))
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	require.NoError(t, e.MarkAllAsRead().Wait(waitCtx(t)))
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.markCalls)
}

func TestEngine_DeleteNotification(t *testing.T) {
	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false), notif("2", 2, false))
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	h := e.DeleteNotification("1")
	assert.Equal(t, []string{"2"}, notifIDs(e.Snapshot()))
	require.NoError(t, h.Wait(waitCtx(t)))
	assert.Equal(t, 1, e.Snapshot().UnreadCount)

	h = e.DeleteNotification("")
	assert.Error(t, h.Wait(waitCtx(t)))
}

func TestEngine_SendMessage(t *testing.T) {
	b := newFakeBackend()
	b.setConversations(convState("c1", 2), convState("c2", 1))
	release := make(chan struct{})
	t.Cleanup(func() { closeOnce(release) })
	b.send = func(_ int, conv, text, clientID string) (*Message, error) {
		<-release
		return &Message{ID: "srv-1", LocalID: clientID, ConversationID: conv, SenderID: "u1", Body: text, CreatedAt: time.Now()}, nil
	}
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	h := e.SendMessage("c2", "is the bike still for sale?")
	s := e.Snapshot()
	require.Equal(t, "c2", s.Conversations[0].ID)
	pending := s.Conversations[0].LastMessage
	require.NotNil(t, pending)
	assert.True(t, pending.Pending)
	assert.Equal(t, h.LocalID, pending.LocalID)

	closeOnce(release)
	require.NoError(t, h.Wait(waitCtx(t)))
	c, _ := findConversation(e.Snapshot(), "c2")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "srv-1", c.LastMessage.ID)
	assert.False(t, c.LastMessage.Pending)
	assert.Zero(t, c.UnreadCount, "own messages are never unread")
}

func TestEngine_SendMessageFailureRestoresConversation(t *testing.T) {
	b := newFakeBackend()
	b.setConversations(convState("c1", 2), convState("c2", 1))
	b.send = func(int, string, string, string) (*Message, error) {
		return nil, apiFailure("send message")
	}
	e := newTestEngine(t, b, nil)
	var failures failureLog
	e.OnFailure(failures.add)
	e.OnAuthEstablished(alice)
	e.settle()
	before := e.Snapshot().Conversations

	h := e.SendMessage("c2", "hello")
	assert.Error(t, h.Wait(waitCtx(t)))
	assert.Equal(t, before, e.Snapshot().Conversations)
	require.Len(t, failures.all(), 1)
	assert.Equal(t, "c2", failures.all()[0].ConversationID)
}

func TestEngine_SendMessageValidation(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), nil)
	e.OnAuthEstablished(alice)
	assert.Error(t, e.SendMessage("", "hi").Wait(waitCtx(t)))
	assert.Error(t, e.SendMessage("c1", "   ").Wait(waitCtx(t)))
}

func TestEngine_MarkMessagesAsRead(t *testing.T) {
	b := newFakeBackend()
	b.setConversations(convState("c1", 2, "m1", "m2", "m3"))
	e := newTestEngine(t, b, nil)
	e.OnAuthEstablished(alice)
	e.settle()

	require.NoError(t, e.MarkMessagesAsRead([]string{"m1"}, "c1").Wait(waitCtx(t)))
	c, _ := findConversation(e.Snapshot(), "c1")
	assert.Equal(t, 2, c.UnreadCount)

	require.NoError(t, e.MarkMessagesAsRead(nil, "c1").Wait(waitCtx(t)))
	c, _ = findConversation(e.Snapshot(), "c1")
	assert.Zero(t, c.UnreadCount)
	assert.Empty(t, e.UnreadMessageIDs("c1"))

	b.mu.Lock()
	defer b.mu.Unlock()
	ids, called := b.msgReads["c1"]
	assert.True(t, called)
	assert.Nil(t, ids, "whole-conversation reads send no ids")
}

func TestEngine_ListenerPanicIsContained(t *testing.T) {
	b := newFakeBackend()
	e := newTestEngine(t, b, nil)
	e.OnChange(func(Snapshot) { panic("listener bug") })
	var seen atomic.Int32
	e.OnChange(func(Snapshot) { seen.Add(1) })

	assert.NotPanics(t, func() { e.OnAuthEstablished(alice) })
	e.settle()
	assert.Positive(t, seen.Load())
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
