package marketsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake backend
// ============================================================================

type fakeBackend struct {
	mu            sync.Mutex
	notifications []Notification
	conversations []ConversationState
	notifErr      error
	convErr       error

	// Optional overrides. When set they replace the default behaviour.
	fetchNotifs func(ctx context.Context) ([]Notification, error)
	markRead    func(call int, ids []string) error
	send        func(call int, conversationID, text, clientID string) (*Message, error)

	fetches   int
	markCalls [][]string
	deletes   []string
	sends     []string
	msgReads  map[string][]string
	msgSeq    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgReads: map[string][]string{}}
}

func (b *fakeBackend) setNotifications(list ...Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = list
}

func (b *fakeBackend) setConversations(list ...ConversationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations = list
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) FetchNotifications(ctx context.Context) ([]Notification, error) {
	b.mu.Lock()
	b.fetches++
	hook := b.fetchNotifs
	list, err := append([]Notification(nil), b.notifications...), b.notifErr
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return list, err
}

func (b *fakeBackend) FetchConversations(ctx context.Context) ([]ConversationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ConversationState(nil), b.conversations...), b.convErr
}

func (b *fakeBackend) MarkNotificationsRead(ctx context.Context, ids []string) error {
	b.mu.Lock()
	b.markCalls = append(b.markCalls, ids)
	call, hook := len(b.markCalls), b.markRead
	b.mu.Unlock()
	if hook != nil {
		return hook(call, ids)
	}
	return nil
}

func (b *fakeBackend) DeleteNotification(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, id)
	return nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, conversationID, text, clientID string) (*Message, error) {
	b.mu.Lock()
	b.sends = append(b.sends, text)
	call, hook := len(b.sends), b.send
	b.msgSeq++
	id := fmt.Sprintf("srv-%d", b.msgSeq)
	b.mu.Unlock()
	if hook != nil {
		return hook(call, conversationID, text, clientID)
	}
	return &Message{ID: id, LocalID: clientID, ConversationID: conversationID, SenderID: "u1", Body: text, CreatedAt: time.Now()}, nil
}

func (b *fakeBackend) MarkMessagesRead(ctx context.Context, conversationID string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgReads[conversationID] = ids
	return nil
}

func apiFailure(op string) error {
	return &BackendRequestError{Op: op, Err: &APIError{Code: "INTERNAL", Message: "boom", Status: 500}}
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu            sync.Mutex
	connected     bool
	edges         []func(bool)
	handlers      map[string]map[string][]EventHandler
	subscribed    map[string]bool
	failSubscribe map[string]error
	closed        bool
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{
		connected:     connected,
		handlers:      map[string]map[string][]EventHandler{},
		subscribed:    map[string]bool{},
		failSubscribe: map[string]error{},
	}
}

type fakeSub struct {
	t       *fakeTransport
	channel string
}

func (s fakeSub) On(event string, h EventHandler) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.handlers[s.channel] == nil {
		s.t.handlers[s.channel] = map[string][]EventHandler{}
	}
	s.t.handlers[s.channel][event] = append(s.t.handlers[s.channel][event], h)
}

func (t *fakeTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failSubscribe[channel]; err != nil {
		return nil, err
	}
	t.subscribed[channel] = true
	return fakeSub{t: t, channel: channel}, nil
}

func (t *fakeTransport) Unsubscribe(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribed, channel)
	delete(t.handlers, channel)
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) OnConnectionChange(fn func(bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edges = append(t.edges, fn)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.connected = false
	return nil
}

func (t *fakeTransport) isSubscribed(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed[channel]
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) setConnected(c bool) {
	t.mu.Lock()
	t.connected = c
	edges := append([]func(bool){}, t.edges...)
	t.mu.Unlock()
	for _, fn := range edges {
		fn(c)
	}
}

// emit delivers a wire event like the server would.
func (t *fakeTransport) emit(channel, event, payload string) {
	t.mu.Lock()
	hs := append([]EventHandler(nil), t.handlers[channel][event]...)
	t.mu.Unlock()
	for _, h := range hs {
		h([]byte(payload))
	}
}

// transports hands out one fake transport per session.
type transports struct {
	mu        sync.Mutex
	connected bool
	byUser    map[string]*fakeTransport
	err       error
}

func (ts *transports) factory(_ context.Context, id Identity) (Transport, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.err != nil {
		return nil, ts.err
	}
	if ts.byUser == nil {
		ts.byUser = map[string]*fakeTransport{}
	}
	t := newFakeTransport(ts.connected)
	ts.byUser[id.UserID] = t
	return t, nil
}

func (ts *transports) get(t *testing.T, userID string) *fakeTransport {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tr := ts.byUser[userID]
	require.NotNil(t, tr, "no transport for %s", userID)
	return tr
}

// ============================================================================
// Clock
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ============================================================================
// Engine harness
// ============================================================================

func testConfig() Config {
	return Config{PollInterval: time.Hour, MinFetchGap: time.Nanosecond}
}

func newTestEngine(t *testing.T, backend Backend, factory TransportFactory, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig())}, opts...)
	e := NewEngine(backend, factory, opts...)
	t.Cleanup(func() {
		e.Close()
		e.settle()
	})
	return e
}

type failureLog struct {
	mu   sync.Mutex
	list []MutationFailure
}

func (f *failureLog) add(m MutationFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, m)
}

func (f *failureLog) all() []MutationFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MutationFailure(nil), f.list...)
}

func notifIDs(s Snapshot) []string {
	out := make([]string, 0, len(s.Notifications))
	for _, n := range s.Notifications {
		out = append(out, n.ID)
	}
	return out
}

func findNotification(s Snapshot, id string) (Notification, bool) {
	for _, n := range s.Notifications {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

func findConversation(s Snapshot, id string) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
