package marketsync

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// NotificationChannel is the private channel carrying a user's notifications.
func NotificationChannel(userID string) string { return "private-notifications." + userID }

// ChatChannel is the presence channel carrying a user's chat traffic.
func ChatChannel(userID string) string { return "presence-chat." + userID }

// channelManager opens and closes the session's subscriptions. Subscribe
// failures never reach the caller; they are reported through onFailure and
// retried on the next connect edge.
type channelManager struct {
	log zerolog.Logger

	onEvent   func(gen uint64, channel, event string, payload []byte)
	onFailure func(gen uint64, err error)
	// onOpened runs after a channel is added to a running session. Events
	// sent before the subscription existed were missed.
	onOpened  func(gen uint64, channel string)

	mu         sync.Mutex
	ctx        context.Context
	gen        uint64
	userID     string
	transport  Transport
	chatActive bool
	active     map[string]bool // channel -> subscribed and wired
	failed     map[string]bool
}

func newChannelManager(log zerolog.Logger) *channelManager {
	return &channelManager{
		log:    log,
		active: map[string]bool{},
		failed: map[string]bool{},
	}
}

// establish subscribes the channels of id on t. Establishing the identity
// already established is a no-op; a different one is cleared first.
func (m *channelManager) establish(ctx context.Context, gen uint64, id Identity, t Transport) {
	m.mu.Lock()
	if m.transport != nil && m.userID == id.UserID && m.gen == gen {
		m.mu.Unlock()
		return
	}
	if m.transport != nil {
		m.clearLocked()
	}
	m.ctx = ctx
	m.gen = gen
	m.userID = id.UserID
	m.transport = t
	errs := m.syncLocked(m.wanted())
	m.mu.Unlock()
	m.report(gen, errs)
}

// clear unsubscribes everything.
func (m *channelManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *channelManager) clearLocked() {
	for _, ch := range sortedKeys(m.active) {
		if err := m.transport.Unsubscribe(ch); err != nil {
			m.log.Debug().Err(err).Str("channel", ch).Msg("unsubscribe failed")
		}
	}
	m.active = map[string]bool{}
	m.failed = map[string]bool{}
	m.transport = nil
	m.ctx = nil
	m.userID = ""
	m.gen = 0
}

// setChatActive opens or closes the chat channel while a session exists.
func (m *channelManager) setChatActive(active bool) {
	m.mu.Lock()
	m.chatActive = active
	if m.transport == nil {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	var errs []error
	opened := false
	ch := ChatChannel(m.userID)
	if active {
		wasActive := m.active[ch]
		errs = m.syncLocked([]string{ch})
		opened = !wasActive && m.active[ch]
	} else {
		delete(m.failed, ch)
		if m.active[ch] {
			delete(m.active, ch)
			if err := m.transport.Unsubscribe(ch); err != nil {
				m.log.Debug().Err(err).Str("channel", ch).Msg("unsubscribe failed")
			}
		}
	}
	m.mu.Unlock()
	m.report(gen, errs)
	if opened && m.onOpened != nil {
		m.onOpened(gen, ch)
	}
}

// retryFailed resubscribes channels whose subscription failed. It reports
// whether every wanted channel is now subscribed.
func (m *channelManager) retryFailed(gen uint64) bool {
	m.mu.Lock()
	if m.transport == nil || m.gen != gen {
		m.mu.Unlock()
		return false
	}
	if len(m.failed) == 0 {
		m.mu.Unlock()
		return true
	}
	errs := m.syncLocked(sortedKeys(m.failed))
	ok := len(m.failed) == 0
	m.mu.Unlock()
	m.report(gen, errs)
	return ok
}

func (m *channelManager) hasFailures() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failed) > 0
}

func (m *channelManager) subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.active)
}

func (m *channelManager) wanted() []string {
	out := []string{NotificationChannel(m.userID)}
	if m.chatActive {
		out = append(out, ChatChannel(m.userID))
	}
	return out
}

// syncLocked subscribes the given channels that are not active yet and wires
// every known wire event on each new subscription exactly once.
func (m *channelManager) syncLocked(channels []string) []error {
	var errs []error
	for _, ch := range channels {
		if m.active[ch] {
			continue
		}
		sub, err := m.transport.Subscribe(m.ctx, ch)
		if err != nil {
			m.failed[ch] = true
			errs = append(errs, &TransportError{Channel: ch, Err: err})
			continue
		}
		delete(m.failed, ch)
		m.active[ch] = true
		gen, channel := m.gen, ch
		for _, name := range WireEvents() {
			event := name
			sub.On(event, func(payload []byte) {
				m.onEvent(gen, channel, event, payload)
			})
		}
		m.log.Debug().Str("channel", ch).Msg("subscribed")
	}
	return errs
}

func (m *channelManager) report(gen uint64, errs []error) {
	for _, err := range errs {
		m.log.Warn().Err(err).Msg("subscription failed")
		if m.onFailure != nil {
			m.onFailure(gen, err)
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
