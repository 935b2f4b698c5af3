package marketsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Mutations
// ============================================================================

// MutationKind names a user action applied ahead of server confirmation.
type MutationKind string

const (
	MutationMarkRead           MutationKind = "mark_read"
	MutationMarkAllRead        MutationKind = "mark_all_read"
	MutationDeleteNotification MutationKind = "delete_notification"
	MutationSendMessage        MutationKind = "send_message"
	MutationMarkMessagesRead   MutationKind = "mark_messages_read"
)

// MutationFailure is delivered to OnFailure listeners once for every
// optimistic mutation the backend refused and that was rolled back.
type MutationFailure struct {
	LocalID        string
	Kind           MutationKind
	IDs            []string
	ConversationID string
	Err            error
	At             time.Time
}

// MutationHandle tracks one optimistic mutation until the backend answers.
type MutationHandle struct {
	LocalID string
	Kind    MutationKind

	done chan struct{}
	once sync.Once
	err  error
}

func newMutationHandle(localID string, kind MutationKind) *MutationHandle {
	return &MutationHandle{LocalID: localID, Kind: kind, done: make(chan struct{})}
}

// Done is closed once the mutation is confirmed, rolled back or discarded.
func (h *MutationHandle) Done() <-chan struct{} { return h.done }

// Err returns the backend error after Done is closed, nil before.
func (h *MutationHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the mutation resolves or ctx ends.
func (h *MutationHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *MutationHandle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

type entityKind uint8

const (
	entityNotification entityKind = iota + 1
	entityMessage
	entityOutgoing // a pending message of this client, by local id
	entityTail     // the LastMessage slot of a conversation
	entityHidden   // the id-less unread count of a conversation
)

type entityKey struct {
	kind entityKind
	id   string
}

// mutation describes a user action. plan derives its effect and rollback from
// a state view; it runs again on every authoritative replace while the
// mutation is outstanding.
type mutation struct {
	kind           MutationKind
	localID        string
	ids            []string
	conversationID string
	text           string
	createdAt      time.Time

	// whole mutations resolve their ids from state on the first plan.
	whole    bool
	resolved bool
}

type mutationPlan struct {
	effects   []Event
	targets   []entityKey
	rollbacks map[entityKey]Event
}

func (m *mutation) plan(v storeView) mutationPlan {
	p := mutationPlan{rollbacks: map[entityKey]Event{}}
	switch m.kind {
	case MutationMarkRead, MutationMarkAllRead:
		if m.whole && !m.resolved {
			for _, n := range v.Notifications.Items {
				if n.Unread() {
					m.ids = append(m.ids, n.ID)
				}
			}
			m.resolved = true
		}
		if len(m.ids) == 0 {
			return p
		}
		p.effects = []Event{NotificationsRead{IDs: append([]string(nil), m.ids...), At: v.Now}}
		m.notificationTargets(&p, v.Notifications)

	case MutationDeleteNotification:
		p.effects = []Event{NotificationDeleted{ID: m.ids[0]}}
		m.notificationTargets(&p, v.Notifications)

	case MutationSendMessage:
		pending := Message{
			ID:             m.localID,
			LocalID:        m.localID,
			ConversationID: m.conversationID,
			SenderID:       v.Chat.SelfID,
			Body:           m.text,
			CreatedAt:      m.createdAt,
			Pending:        true,
		}
		p.effects = []Event{MessageCreated{Message: pending}}
		tail := entityKey{entityTail, m.conversationID}
		p.targets = []entityKey{{entityOutgoing, m.localID}, tail}
		failed := PendingMessageFailed{LocalID: m.localID, ConversationID: m.conversationID, PriorIndex: -1}
		if i := v.Chat.conversationIndex(m.conversationID); i >= 0 {
			prior := v.Chat.Conversations[i]
			if prior.LastMessage != nil {
				lm := *prior.LastMessage
				prior.LastMessage = &lm
			}
			failed.Prior = &prior
			failed.PriorIndex = i
		}
		p.rollbacks[tail] = failed

	case MutationMarkMessagesRead:
		if m.whole && !m.resolved {
			m.ids = v.Chat.UnreadMessageIDs(m.conversationID)
			m.resolved = true
		}
		hidden := 0
		if m.whole {
			hidden = v.Chat.hidden[m.conversationID]
		}
		if len(m.ids) == 0 && hidden == 0 {
			return p
		}
		if len(m.ids) > 0 {
			p.effects = append(p.effects, MessagesRead{IDs: append([]string(nil), m.ids...), ConversationID: m.conversationID, At: v.Now})
		}
		unread := v.Chat.unread[m.conversationID]
		for _, id := range m.ids {
			k := entityKey{entityMessage, id}
			p.targets = append(p.targets, k)
			if _, ok := unread[id]; ok {
				p.rollbacks[k] = MessagesUnreadRestored{ConversationID: m.conversationID, IDs: []string{id}}
			}
		}
		if hidden > 0 {
			p.effects = append(p.effects, MessagesRead{ConversationID: m.conversationID, At: v.Now})
			k := entityKey{entityHidden, m.conversationID}
			p.targets = append(p.targets, k)
			p.rollbacks[k] = MessagesUnreadRestored{ConversationID: m.conversationID, Hidden: hidden}
		}
	}
	return p
}

func (m *mutation) notificationTargets(p *mutationPlan, s NotificationState) {
	for _, id := range m.ids {
		k := entityKey{entityNotification, id}
		p.targets = append(p.targets, k)
		if i := indexNotification(s.Items, id); i >= 0 {
			prior := s.Items[i]
			p.rollbacks[k] = NotificationsRestored{Priors: []NotificationPrior{{ID: id, Prior: &prior, Index: i}}}
		}
	}
}

// call performs the backend request. The returned event, if any, carries the
// server's version of the optimistic effect.
func (m *mutation) call(ctx context.Context, b Backend) (Event, error) {
	switch m.kind {
	case MutationMarkRead, MutationMarkAllRead:
		return nil, b.MarkNotificationsRead(ctx, m.ids)
	case MutationDeleteNotification:
		return nil, b.DeleteNotification(ctx, m.ids[0])
	case MutationSendMessage:
		msg, err := b.SendMessage(ctx, m.conversationID, m.text, m.localID)
		if err != nil || msg == nil {
			return nil, err
		}
		confirmed := *msg
		confirmed.Pending = false
		if confirmed.LocalID == "" {
			confirmed.LocalID = m.localID
		}
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = m.conversationID
		}
		return MessageCreated{Message: confirmed}, nil
	case MutationMarkMessagesRead:
		var ids []string
		if !m.whole {
			ids = m.ids
		}
		return nil, b.MarkMessagesRead(ctx, m.conversationID, ids)
	}
	return nil, nil
}

// retarget adapts a rollback inherited from a superseded record.
func retarget(ev Event, m *mutation) Event {
	if f, ok := ev.(PendingMessageFailed); ok {
		f.LocalID = m.localID
		return f
	}
	return ev
}

// ============================================================================
// Coordinator
// ============================================================================

type record struct {
	m      *mutation
	handle *MutationHandle
	gen    uint64

	order      []entityKey
	owned      map[entityKey]Event // rollback per owned entity; nil means nothing to restore
	superseded bool

	// Confirmed records stay until a fetch started after confirmation lands,
	// so an older in-flight fetch cannot visually undo them.
	confirmed  bool
	confirmSeq uint64
	confirm    Event
}

// coordinator owns every outstanding optimistic mutation. It is the only
// component that calls mutating backend methods.
//
// Lock order: store.mu, then coordinator.mu.
type coordinator struct {
	store    *store
	backend  Backend
	metrics  *Metrics
	failures *emitter[MutationFailure]
	log      zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	gen     uint64
	records []*record
	owners  map[entityKey]*record

	wg sync.WaitGroup
}

func newCoordinator(st *store, backend Backend, metrics *Metrics, failures *emitter[MutationFailure], log zerolog.Logger) *coordinator {
	return &coordinator{
		store:    st,
		backend:  backend,
		metrics:  metrics,
		failures: failures,
		log:      log,
		owners:   map[entityKey]*record{},
	}
}

// start binds the coordinator to a session.
func (c *coordinator) start(ctx context.Context, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.gen = gen
	c.records = nil
	c.owners = map[entityKey]*record{}
}

// reset forgets every record. Their backend calls resolve against a stale
// generation and are discarded.
func (c *coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = nil
	c.gen = 0
	c.records = nil
	c.owners = map[entityKey]*record{}
}

// wait blocks until every backend call started so far has resolved.
func (c *coordinator) wait() { c.wg.Wait() }

func (c *coordinator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if !r.confirmed {
			n++
		}
	}
	return n
}

func (c *coordinator) apply(m *mutation) *MutationHandle {
	h := newMutationHandle(m.localID, m.kind)

	c.mu.Lock()
	ctx, gen := c.ctx, c.gen
	c.mu.Unlock()
	if ctx == nil {
		h.resolve(ErrNoSession)
		return h
	}

	var rec *record
	ok := c.store.update(gen, sourceLocal, func(v storeView) []Event {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return nil
		}
		p := m.plan(v)
		if len(p.effects) == 0 {
			return nil
		}
		rec = &record{m: m, handle: h, gen: gen}
		c.claim(rec, p)
		c.records = append(c.records, rec)
		return p.effects
	})
	if !ok {
		c.metrics.mutation(m.kind, "discarded")
		h.resolve(&SessionRaceError{Op: string(m.kind), Session: gen, Current: c.store.current()})
		return h
	}
	if rec == nil {
		c.metrics.mutation(m.kind, "noop")
		h.resolve(nil)
		return h
	}

	c.log.Debug().Str("mutation", string(m.kind)).Str("local_id", m.localID).Msg("optimistic mutation applied")
	c.wg.Add(1)
	go c.run(ctx, rec)
	return h
}

// claim records rec as owner of every target. An entity owned by another
// outstanding record moves to rec together with its rollback, so undoing rec
// restores the state from before the first of them.
func (c *coordinator) claim(rec *record, p mutationPlan) {
	rec.owned = make(map[entityKey]Event, len(p.targets))
	for _, k := range p.targets {
		rb := p.rollbacks[k]
		if prev := c.owners[k]; prev != nil && prev != rec {
			if inherited, ok := prev.owned[k]; ok {
				if inherited != nil {
					inherited = retarget(inherited, rec.m)
				}
				rb = inherited
				delete(prev.owned, k)
			}
			if len(prev.owned) == 0 {
				prev.superseded = true
			}
		}
		c.owners[k] = rec
		if _, dup := rec.owned[k]; !dup {
			rec.order = append(rec.order, k)
		}
		rec.owned[k] = rb
	}
}

func (c *coordinator) release(rec *record) {
	for k := range rec.owned {
		if c.owners[k] == rec {
			delete(c.owners, k)
		}
	}
	rec.owned = nil
}

func (c *coordinator) remove(rec *record) {
	for i, r := range c.records {
		if r == rec {
			c.records = append(c.records[:i:i], c.records[i+1:]...)
			return
		}
	}
}

func (c *coordinator) run(ctx context.Context, rec *record) {
	defer c.wg.Done()
	confirm, err := rec.m.call(ctx, c.backend)
	if err != nil {
		c.fail(rec, err)
		return
	}
	c.succeed(rec, confirm)
}

func (c *coordinator) succeed(rec *record, confirm Event) {
	ok := c.store.update(rec.gen, sourceLocal, func(v storeView) []Event {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.release(rec)
		rec.confirmed = true
		rec.confirm = confirm
		rec.confirmSeq = v.FetchSeq
		if confirm == nil {
			return nil
		}
		return []Event{confirm}
	})
	if !ok {
		c.discard(rec)
		return
	}
	c.metrics.mutation(rec.m.kind, "confirmed")
	rec.handle.resolve(nil)
}

func (c *coordinator) fail(rec *record, err error) {
	var silent bool
	ok := c.store.update(rec.gen, sourceLocal, func(storeView) []Event {
		c.mu.Lock()
		defer c.mu.Unlock()
		var undo []Event
		for _, k := range rec.order {
			if ev, owned := rec.owned[k]; owned && ev != nil {
				undo = append(undo, ev)
			}
		}
		silent = rec.superseded && len(rec.owned) == 0
		c.release(rec)
		c.remove(rec)
		return undo
	})
	if !ok {
		c.discard(rec)
		return
	}

	l := c.log.With().Str("mutation", string(rec.m.kind)).Str("local_id", rec.m.localID).Logger()
	if silent {
		c.metrics.mutation(rec.m.kind, "superseded")
		l.Debug().Err(err).Msg("superseded mutation failed")
		rec.handle.resolve(err)
		return
	}
	c.metrics.mutation(rec.m.kind, "rolled_back")
	l.Warn().Err(err).Msg("mutation rolled back")
	c.failures.emit(MutationFailure{
		LocalID:        rec.m.localID,
		Kind:           rec.m.kind,
		IDs:            append([]string(nil), rec.m.ids...),
		ConversationID: rec.m.conversationID,
		Err:            err,
		At:             c.store.now(),
	})
	rec.handle.resolve(err)
}

func (c *coordinator) discard(rec *record) {
	cur := c.store.current()
	c.mu.Lock()
	if rec.gen == c.gen {
		c.release(rec)
		c.remove(rec)
	}
	c.mu.Unlock()
	c.metrics.mutation(rec.m.kind, "discarded")
	c.log.Debug().Str("mutation", string(rec.m.kind)).Uint64("session", rec.gen).Msg("discarding result of ended session")
	rec.handle.resolve(&SessionRaceError{Op: string(rec.m.kind), Session: rec.gen, Current: cur})
}

// rebase runs under the store lock after an authoritative replace. It
// re-captures rollbacks from the replaced state and returns the effects that
// re-apply outstanding mutations on top of it.
func (c *coordinator) rebase(v storeView, seq uint64) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	kept := make([]*record, 0, len(c.records))
	for _, rec := range c.records {
		if rec.confirmed {
			if seq > rec.confirmSeq {
				continue
			}
			if rec.confirm != nil {
				out = append(out, rec.confirm)
			} else {
				out = append(out, rec.m.plan(v).effects...)
			}
			kept = append(kept, rec)
			continue
		}
		p := rec.m.plan(v)
		for _, k := range rec.order {
			if _, owned := rec.owned[k]; owned {
				rec.owned[k] = p.rollbacks[k]
			}
		}
		out = append(out, p.effects...)
		kept = append(kept, rec)
	}
	c.records = kept
	return out
}

// observe keeps rollbacks honest when push events report the server's view
// of an entity a record owns: a read reported by the server is never undone
// and a deleted entity is never restored.
func (c *coordinator) observe(ev Event, src source, now time.Time) {
	if src != sourcePush {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case NotificationsRead:
		at := eventTime(e.At, now)
		for _, id := range e.IDs {
			k := entityKey{entityNotification, id}
			if rec := c.owners[k]; rec != nil {
				if r, ok := rec.owned[k].(NotificationsRestored); ok {
					rec.owned[k] = readPriors(r, at)
				}
			}
		}
	case NotificationDeleted:
		c.forget(entityKey{entityNotification, e.ID})
	case MessagesRead:
		if len(e.IDs) == 0 {
			for k, rec := range c.owners {
				if r, ok := rec.owned[k].(MessagesUnreadRestored); ok && r.ConversationID == e.ConversationID {
					rec.owned[k] = nil
				}
			}
		}
		for _, id := range e.IDs {
			c.forget(entityKey{entityMessage, id})
		}
	case MessageCreated:
		if e.Message.LocalID == "" || e.Message.Pending {
			return
		}
		k := entityKey{entityTail, e.Message.ConversationID}
		if rec := c.owners[k]; rec != nil && rec.m.localID == e.Message.LocalID {
			c.forget(k)
		}
	}
}

func (c *coordinator) forget(k entityKey) {
	if rec := c.owners[k]; rec != nil {
		if _, ok := rec.owned[k]; ok {
			rec.owned[k] = nil
		}
	}
}

func readPriors(r NotificationsRestored, at time.Time) NotificationsRestored {
	out := NotificationsRestored{Priors: make([]NotificationPrior, len(r.Priors))}
	for i, p := range r.Priors {
		if p.Prior != nil && p.Prior.ReadAt == nil {
			n := *p.Prior
			t := at
			n.ReadAt = &t
			p.Prior = &n
		}
		out.Priors[i] = p
	}
	return out
}
