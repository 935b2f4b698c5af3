package marketsync

import (
	"sync"
	"time"
)

// source tags where an event came from.
type source int

const (
	sourcePush source = iota + 1
	sourceLocal
	sourceFetch
)

func (s source) String() string {
	switch s {
	case sourcePush:
		return "push"
	case sourceLocal:
		return "local"
	case sourceFetch:
		return "fetch"
	}
	return "unknown"
}

// storeView is what a planning closure sees while the store lock is held.
type storeView struct {
	Notifications NotificationState
	Chat          ChatState
	Now           time.Time
	// FetchSeq is the sequence number of the most recently started fetch.
	FetchSeq uint64
}

// store is the single write path into client state. Every producer (push
// handlers, the mutation coordinator, the poller) goes through apply, update
// or replace, each of which checks the session generation under one mutex.
type store struct {
	mu sync.Mutex

	gen      uint64
	identity *Identity
	notifs   NotificationState
	chat     ChatState

	connected bool
	baseline  bool
	version   uint64

	fetching   int
	fetchSeq   uint64
	connectSeq uint64
	replay     []Event

	presenceTTL time.Duration
	typingTTL   time.Duration
	now         func() time.Time

	// rebase runs under the lock after an authoritative replace and returns
	// events re-applying outstanding optimistic mutations. seq identifies the
	// fetch that produced the replace.
	rebase func(view storeView, seq uint64) []Event
	// applied observes every reduced event; it must not call back into the store.
	applied func(ev Event, src source, now time.Time)
	// changed receives the snapshot after each committed transition, outside the lock.
	changed func(Snapshot)
}

func newStore(presenceTTL, typingTTL time.Duration, now func() time.Time) *store {
	return &store{
		chat:        NewChatState("", presenceTTL, typingTTL),
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
		now:         now,
	}
}

// begin starts a new session generation with empty state.
func (s *store) begin(id Identity) uint64 {
	s.mu.Lock()
	s.gen++
	ident := id
	s.identity = &ident
	s.resetLocked(id.UserID)
	gen := s.gen
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return gen
}

// end drops the session: any result tagged with an older generation is
// discarded from now on.
func (s *store) end() uint64 {
	s.mu.Lock()
	s.gen++
	s.identity = nil
	s.resetLocked("")
	gen := s.gen
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return gen
}

func (s *store) resetLocked(selfID string) {
	s.notifs = NotificationState{}
	s.chat = NewChatState(selfID, s.presenceTTL, s.typingTTL)
	s.connected = false
	s.baseline = false
	s.fetching = 0
	s.replay = nil
	s.version++
}

func (s *store) current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// apply reduces events in order. It returns false when gen is stale.
func (s *store) apply(gen uint64, src source, events ...Event) bool {
	return s.update(gen, src, func(storeView) []Event { return events })
}

// update runs plan under the lock and applies the events it returns.
func (s *store) update(gen uint64, src source, plan func(view storeView) []Event) bool {
	s.mu.Lock()
	if gen != s.gen || s.identity == nil {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	events := plan(s.viewLocked(now))
	if len(events) == 0 {
		s.mu.Unlock()
		return true
	}
	s.reduceLocked(events, src, now)
	if src == sourcePush && s.fetching > 0 {
		s.replay = append(s.replay, events...)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return true
}

func (s *store) reduceLocked(events []Event, src source, now time.Time) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		s.notifs = ReduceNotifications(s.notifs, ev, now)
		s.chat = ReduceChat(s.chat, ev, now)
		if s.applied != nil {
			s.applied(ev, src, now)
		}
	}
	s.version++
}

// beginFetch registers an in-flight authoritative fetch and returns its
// sequence number. Push events that arrive until it lands are kept for replay.
func (s *store) beginFetch(gen uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.identity == nil {
		return 0, false
	}
	s.fetching++
	s.fetchSeq++
	return s.fetchSeq, true
}

// endFetch balances beginFetch for fetches that did not replace anything.
func (s *store) endFetch(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.fetching == 0 {
		return
	}
	s.fetching--
	if s.fetching == 0 {
		s.replay = nil
	}
}

// replace applies the result of fetch seq. A nil slice pointer leaves that
// half of the state alone. Buffered push events are replayed on top and
// outstanding optimistic mutations are rebased. It also ends the fetch.
//
// The snapshot becomes a baseline when the fetch started after the most
// recent connect edge.
func (s *store) replace(gen, seq uint64, notifs *[]Notification, convs *[]ConversationState) error {
	s.mu.Lock()
	if gen != s.gen || s.identity == nil {
		cur := s.gen
		s.mu.Unlock()
		return &SessionRaceError{Op: "reconcile", Session: gen, Current: cur}
	}
	now := s.now()
	var events []Event
	if notifs != nil {
		events = append(events, NotificationsReplaced{Notifications: *notifs})
	}
	if convs != nil {
		events = append(events, ConversationsReplaced{Conversations: *convs})
	}
	s.reduceLocked(events, sourceFetch, now)
	if len(s.replay) > 0 {
		s.reduceLocked(s.replay, sourcePush, now)
	}
	if s.rebase != nil {
		if extra := s.rebase(s.viewLocked(now), seq); len(extra) > 0 {
			s.reduceLocked(extra, sourceLocal, now)
		}
	}
	if s.fetching > 0 {
		s.fetching--
	}
	if s.fetching == 0 {
		s.replay = nil
	}
	if s.connected && seq > s.connectSeq {
		s.baseline = true
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return nil
}

// setConnected records a connection edge. A disconnect invalidates the
// baseline; only a fetch started after the next connect restores it.
func (s *store) setConnected(gen uint64, connected bool) {
	s.mu.Lock()
	if gen != s.gen || s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.baseline = false
	if connected {
		s.connectSeq = s.fetchSeq
	}
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// dropBaseline forgets the current baseline after the push coverage changed
// without a connection edge. Only a fetch started from now on restores it.
func (s *store) dropBaseline(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.connectSeq = s.fetchSeq
	if !s.baseline {
		s.mu.Unlock()
		return
	}
	s.baseline = false
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *store) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// hasBaseline reports whether a fetch started after the current connect edge
// has landed.
func (s *store) hasBaseline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

func (s *store) view() storeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.now())
}

func (s *store) viewLocked(now time.Time) storeView {
	return storeView{Notifications: s.notifs, Chat: s.chat, Now: now, FetchSeq: s.fetchSeq}
}

func (s *store) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked copies everything the UI may hold on to.
func (s *store) snapshotLocked() Snapshot {
	now := s.now()
	snap := Snapshot{
		Notifications: append([]Notification{}, s.notifs.Items...),
		UnreadCount:   s.notifs.UnreadCount,
		Conversations: make([]Conversation, 0, len(s.chat.Conversations)),
		OnlineUserIDs: s.chat.OnlineUserIDs(now),
		TypingUserIDs: s.chat.TypingUserIDs(now),
		Typing:        s.chat.TypingEntries(now),
		Connected:     s.connected,
		Baseline:      s.baseline,
		Version:       s.version,
	}
	for _, c := range s.chat.Conversations {
		if c.LastMessage != nil {
			lm := *c.LastMessage
			c.LastMessage = &lm
		}
		snap.Conversations = append(snap.Conversations, c)
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	return snap
}

func (s *store) notify(snap Snapshot) {
	if s.changed != nil {
		s.changed(snap)
	}
}
