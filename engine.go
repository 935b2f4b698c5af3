// Package marketsync keeps a marketplace client's notification and chat state
// consistent across push events, optimistic local mutations and periodic
// authoritative refetches.
//
// Example:
//
//	client := marketsync.NewClient(token, marketsync.WithBaseURL(apiURL))
//	engine := marketsync.NewEngine(client, marketsync.WSTransportFactory(wsURL, nil),
//		marketsync.WithLogger(logger))
//
//	engine.OnChange(func(s marketsync.Snapshot) { render(s) })
//	engine.OnAuthEstablished(identity)
//	engine.MarkAsRead("42")
//	engine.SendMessage("conv-1", "still available?")
package marketsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Config
// ============================================================================

const (
	DefaultPollInterval = 30 * time.Second
	DefaultPresenceTTL  = 60 * time.Second
	DefaultTypingTTL    = 6 * time.Second
	DefaultMinFetchGap  = time.Second
)

// Config tunes the engine. Zero fields take the defaults above.
type Config struct {
	PollInterval time.Duration
	PresenceTTL  time.Duration
	TypingTTL    time.Duration
	MinFetchGap  time.Duration
	// ChatActive subscribes the chat channel as soon as a session starts.
	ChatActive bool
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = DefaultPresenceTTL
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.MinFetchGap == 0 {
		c.MinFetchGap = DefaultMinFetchGap
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine composes the sync components for one client. Every state change,
// whatever its source, goes through a single store.
type Engine struct {
	backend Backend
	factory TransportFactory
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	store    *store
	health   *health
	channels *channelManager
	poller   *poller
	coord    *coordinator
	changes  *emitter[Snapshot]
	failures *emitter[MutationFailure]

	// mu serializes session lifecycle transitions.
	mu      sync.Mutex
	session *session
}

type session struct {
	identity  Identity
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
}

type Option func(*Engine)

// WithLogger sets the engine's logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// NewEngine creates an engine with no session. A nil factory runs without
// push: state then comes from the poller only.
func NewEngine(backend Backend, factory TransportFactory, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		factory: factory,
		log:     zerolog.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()
	e.log = e.log.With().Str("component", "marketsync").Logger()

	e.changes = newEmitter[Snapshot]("change", e.log)
	e.failures = newEmitter[MutationFailure]("failure", e.log)

	e.store = newStore(e.cfg.PresenceTTL, e.cfg.TypingTTL, e.now)
	e.coord = newCoordinator(e.store, backend, e.metrics, e.failures, e.log.With().Str("part", "mutations").Logger())
	e.poller = newPoller(e.store, backend, e.cfg, e.metrics, e.log.With().Str("part", "poller").Logger(), e.now)
	e.health = newHealth(e.store, e.log.With().Str("part", "health").Logger())
	e.channels = newChannelManager(e.log.With().Str("part", "channels").Logger())
	e.channels.chatActive = e.cfg.ChatActive

	e.store.rebase = e.coord.rebase
	e.store.applied = func(ev Event, src source, now time.Time) {
		e.metrics.eventApplied(ev.Kind(), src)
		e.coord.observe(ev, src, now)
	}
	e.store.changed = func(s Snapshot) {
		e.metrics.observeSnapshot(s)
		e.changes.emit(s)
	}

	e.health.onConnected = func(gen, _ uint64) {
		e.channels.retryFailed(gen)
		e.poller.trigger(TriggerConnect)
	}
	e.channels.onEvent = e.handlePush
	e.channels.onOpened = func(gen uint64, channel string) {
		e.log.Debug().Str("channel", channel).Msg("channel opened, reconciling")
		e.store.dropBaseline(gen)
		e.poller.trigger(TriggerResubscribe)
	}
	e.channels.onFailure = func(gen uint64, err error) {
		e.health.report(gen, false)
		e.poller.trigger(TriggerFallback)
	}
	e.poller.onTick = func(gen uint64) {
		if !e.channels.hasFailures() {
			return
		}
		if t := e.transport(gen); t != nil && t.Connected() && e.channels.retryFailed(gen) {
			e.health.report(gen, true)
		}
	}
	return e
}

// ── Session lifecycle ───────────────────────────────────

// OnAuthEstablished starts a session for id. Calling it again for the same
// user is a no-op; a different user ends the current session first.
//
// Listeners must not call OnAuthEstablished or OnAuthCleared synchronously.
func (e *Engine) OnAuthEstablished(id Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.session; s != nil {
		if s.identity.UserID == id.UserID {
			return
		}
		e.clearLocked("identity changed")
	}

	gen := e.store.begin(id)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{identity: id, gen: gen, ctx: ctx, cancel: cancel}
	e.session = s
	log := e.log.With().Str("user", id.UserID).Uint64("session", gen).Logger()
	log.Info().Msg("session established")

	e.health.reset(gen)
	e.coord.start(ctx, gen)
	e.poller.start(ctx, gen)
	e.poller.trigger(TriggerEstablish)

	if e.factory == nil {
		return
	}
	t, err := e.factory(ctx, id)
	if err != nil {
		log.Warn().Err(&TransportError{Err: err}).Msg("transport unavailable, polling only")
		e.poller.trigger(TriggerFallback)
		return
	}
	s.transport = t
	t.OnConnectionChange(func(connected bool) { e.health.report(gen, connected) })
	e.channels.establish(ctx, gen, id, t)
	e.health.report(gen, t.Connected())
}

// OnAuthCleared ends the session synchronously: in-flight requests are
// cancelled, channels are unsubscribed, state is cleared and every late
// result is discarded.
func (e *Engine) OnAuthCleared() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked("logged out")
}

func (e *Engine) clearLocked(reason string) {
	s := e.session
	if s == nil {
		return
	}
	e.session = nil
	s.cancel()
	e.store.end()
	e.health.reset(0)
	e.poller.stop()
	e.coord.reset()
	e.channels.clear()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			e.log.Debug().Err(err).Msg("transport close")
		}
	}
	e.log.Info().Str("user", s.identity.UserID).Uint64("session", s.gen).Str("reason", reason).Msg("session cleared")
}

// Close ends the session and drops every listener.
func (e *Engine) Close() {
	e.OnAuthCleared()
	e.changes.removeAll()
	e.failures.removeAll()
}

func (e *Engine) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) transport(gen uint64) Transport {
	s := e.current()
	if s == nil || s.gen != gen {
		return nil
	}
	return s.transport
}

// Identity returns the identity of the current session, or nil.
func (e *Engine) Identity() *Identity {
	s := e.current()
	if s == nil {
		return nil
	}
	id := s.identity
	return &id
}

// ── Push path ───────────────────────────────────────────

func (e *Engine) handlePush(gen uint64, channel, name string, payload []byte) {
	ev, err := Normalize(name, payload)
	if err != nil {
		e.metrics.eventDropped("malformed")
		e.log.Warn().Err(err).Str("channel", channel).Msg("dropping push event")
		return
	}
	if ev == nil {
		return
	}
	if nc, ok := ev.(NotificationCreated); ok && nc.Notification.TargetUserID != "" {
		if want := strings.TrimPrefix(channel, "private-notifications."); want != channel && want != nc.Notification.TargetUserID {
			e.metrics.eventDropped("foreign_target")
			e.log.Warn().Str("channel", channel).Str("target", nc.Notification.TargetUserID).Msg("dropping notification for another user")
			return
		}
	}
	if !e.store.apply(gen, sourcePush, ev) {
		e.metrics.eventDropped("stale_session")
		e.log.Debug().Uint64("session", gen).Str("event", name).Msg("dropping push event of ended session")
	}
}

// ============================================================================
// UI boundary
// ============================================================================

// Snapshot returns a copy of the current client state.
func (e *Engine) Snapshot() Snapshot { return e.store.snapshot() }

// OnChange registers fn for every committed state change and returns a
// function removing it. fn runs outside the engine's locks.
func (e *Engine) OnChange(fn func(Snapshot)) func() { return e.changes.on(fn) }

// OnFailure registers fn for rolled-back mutations.
func (e *Engine) OnFailure(fn func(MutationFailure)) func() { return e.failures.on(fn) }

// IsTyping reports whether userID is typing in conversationID now.
func (e *Engine) IsTyping(userID, conversationID string) bool {
	v := e.store.view()
	return v.Chat.IsTyping(userID, conversationID, v.Now)
}

// IsOnline reports whether userID was seen within the presence TTL.
func (e *Engine) IsOnline(userID string) bool {
	v := e.store.view()
	return v.Chat.IsOnline(userID, v.Now)
}

// UnreadMessageIDs returns the unread message ids of a conversation.
func (e *Engine) UnreadMessageIDs(conversationID string) []string {
	return e.store.view().Chat.UnreadMessageIDs(conversationID)
}

// SetChatActive opens or closes the chat channel.
func (e *Engine) SetChatActive(active bool) { e.channels.setChatActive(active) }

// SetForeground pauses or resumes interval polling.
func (e *Engine) SetForeground(fg bool) {
	e.poller.setForeground(fg)
	if fg {
		e.poller.trigger(TriggerInterval)
	}
}

// Refresh asks for an authoritative refetch and waits for the fetch that
// carries it. When a fetch is already in flight, Refresh waits for that one.
func (e *Engine) Refresh(ctx context.Context) error {
	f := e.poller.trigger(TriggerManual)
	if f == nil {
		return ErrNoSession
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkAsRead marks notifications read.
func (e *Engine) MarkAsRead(ids ...string) *MutationHandle {
	if len(ids) == 0 {
		return e.resolved(MutationMarkRead, nil)
	}
	return e.coord.apply(&mutation{kind: MutationMarkRead, localID: e.newID(), ids: ids})
}

// MarkAllAsRead marks every notification that is unread right now.
func (e *Engine) MarkAllAsRead() *MutationHandle {
	return e.coord.apply(&mutation{kind: MutationMarkAllRead, localID: e.newID(), whole: true})
}

func (e *Engine) DeleteNotification(id string) *MutationHandle {
	if id == "" {
		return e.resolved(MutationDeleteNotification, errors.New("marketsync: empty notification id"))
	}
	return e.coord.apply(&mutation{kind: MutationDeleteNotification, localID: e.newID(), ids: []string{id}})
}

// SendMessage shows text as a pending message right away and replaces it with
// the stored message once the backend confirms.
func (e *Engine) SendMessage(conversationID, text string) *MutationHandle {
	if conversationID == "" || strings.TrimSpace(text) == "" {
		return e.resolved(MutationSendMessage, errors.New("marketsync: conversation and text are required"))
	}
	return e.coord.apply(&mutation{
		kind:           MutationSendMessage,
		localID:        e.newID(),
		conversationID: conversationID,
		text:           text,
		createdAt:      e.now(),
	})
}

// MarkMessagesAsRead marks messages of a conversation read. No ids means
// every message of the conversation that is unread right now.
func (e *Engine) MarkMessagesAsRead(ids []string, conversationID string) *MutationHandle {
	if conversationID == "" {
		return e.resolved(MutationMarkMessagesRead, errors.New("marketsync: empty conversation id"))
	}
	return e.coord.apply(&mutation{
		kind:           MutationMarkMessagesRead,
		localID:        e.newID(),
		ids:            append([]string(nil), ids...),
		conversationID: conversationID,
		whole:          len(ids) == 0,
	})
}

func (e *Engine) resolved(kind MutationKind, err error) *MutationHandle {
	h := newMutationHandle(e.newID(), kind)
	h.resolve(err)
	return h
}

// settle waits for background fetches and mutation calls started so far.
func (e *Engine) settle() {
	e.coord.wait()
	e.poller.wait()
}
