package marketsync

import (
	"sort"
	"time"
)

type typingKey struct {
	userID         string
	conversationID string
}

// messageRef is what the chat state remembers about a message it has seen.
type messageRef struct {
	conv string
	read bool
}

// ChatState holds the conversation list, presence and typing maps.
//
// Like NotificationState it is copy-on-write: ReduceChat clones whatever it
// touches, so a ChatState handed out earlier never changes underneath its
// holder.
type ChatState struct {
	SelfID        string
	Conversations []Conversation

	presenceTTL time.Duration
	typingTTL   time.Duration

	unread   map[string]map[string]struct{} // conversation -> unread message ids
	hidden   map[string]int                 // conversation -> unread count sent without ids
	messages map[string]messageRef          // message id -> conversation and read state
	presence map[string]time.Time           // user -> last seen
	typing   map[typingKey]time.Time        // (user, conversation) -> expires at
}

// NewChatState returns an empty chat state for selfID.
func NewChatState(selfID string, presenceTTL, typingTTL time.Duration) ChatState {
	return ChatState{
		SelfID:      selfID,
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
		unread:      map[string]map[string]struct{}{},
		hidden:      map[string]int{},
		messages:    map[string]messageRef{},
		presence:    map[string]time.Time{},
		typing:      map[typingKey]time.Time{},
	}
}

// ReduceChat applies ev to s. Events that do not concern chat return s.
func ReduceChat(s ChatState, ev Event, now time.Time) ChatState {
	switch e := ev.(type) {
	case MessageCreated:
		return s.messageCreated(e.Message)
	case MessagesRead:
		return s.messagesRead(e.ConversationID, e.IDs, eventTime(e.At, now))
	case MessageDeleted:
		return s.messageDeleted(e.ID)
	case ConversationsReplaced:
		return s.replaced(e.Conversations)
	case MessagesUnreadRestored:
		return s.unreadRestored(e)
	case PendingMessageFailed:
		return s.pendingFailed(e)
	case PresencePing:
		return s.presencePing(e.UserID, eventTime(e.At, now), now)
	case TypingPing:
		return s.typingPing(typingKey{e.UserID, e.ConversationID}, eventTime(e.At, now), now)
	case TypingStopped:
		return s.typingStopped(typingKey{e.UserID, e.ConversationID})
	}
	return s
}

// ── Reads ────────────────────────────────────────────────

// UnreadMessageIDs returns the unread message ids of a conversation, sorted.
func (s ChatState) UnreadMessageIDs(conversationID string) []string {
	ids := make([]string, 0, len(s.unread[conversationID]))
	for id := range s.unread[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnreadCount returns the number of unread messages in a conversation,
// including those the server only reported as a count.
func (s ChatState) UnreadCount(conversationID string) int {
	return len(s.unread[conversationID]) + s.hidden[conversationID]
}

// IsOnline reports whether userID pinged within the presence TTL.
func (s ChatState) IsOnline(userID string, now time.Time) bool {
	seen, ok := s.presence[userID]
	return ok && now.Sub(seen) < s.presenceTTL
}

// OnlineUserIDs returns users seen within the presence TTL, sorted.
func (s ChatState) OnlineUserIDs(now time.Time) []string {
	ids := []string{}
	for id := range s.presence {
		if s.IsOnline(id, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsTyping reports whether userID is typing in conversationID.
func (s ChatState) IsTyping(userID, conversationID string, now time.Time) bool {
	exp, ok := s.typing[typingKey{userID, conversationID}]
	return ok && now.Before(exp)
}

// TypingEntries returns unexpired typing entries ordered by conversation then user.
func (s ChatState) TypingEntries(now time.Time) []TypingEntry {
	out := []TypingEntry{}
	for k, exp := range s.typing {
		if now.Before(exp) {
			out = append(out, TypingEntry{UserID: k.userID, ConversationID: k.conversationID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// TypingUserIDs returns the distinct users typing anywhere, sorted.
func (s ChatState) TypingUserIDs(now time.Time) []string {
	seen := map[string]struct{}{}
	ids := []string{}
	for _, e := range s.TypingEntries(now) {
		if _, ok := seen[e.UserID]; !ok {
			seen[e.UserID] = struct{}{}
			ids = append(ids, e.UserID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s ChatState) conversationIndex(id string) int {
	for i, c := range s.Conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// ── Transitions ──────────────────────────────────────────

func (s ChatState) messageCreated(m Message) ChatState {
	out := s.cloneConversations()
	out.unread = cloneSets(s.unread)
	out.messages = cloneRefs(s.messages)

	i := out.conversationIndex(m.ConversationID)
	var conv Conversation
	if i >= 0 {
		conv = out.Conversations[i]
		out.Conversations = append(out.Conversations[:i], out.Conversations[i+1:]...)
	} else {
		conv = Conversation{ID: m.ConversationID}
		if m.SenderID != s.SelfID {
			conv.CounterpartRef = m.SenderID
		}
	}

	msg := m
	last := conv.LastMessage
	if msg.ReadAt == nil && last != nil && last.ID == m.ID {
		msg.ReadAt = last.ReadAt
	}
	switch {
	case last == nil,
		last.ID == m.ID,
		m.LocalID != "" && last.LocalID == m.LocalID,
		!m.CreatedAt.Before(last.CreatedAt):
		conv.LastMessage = &msg
	}
	if m.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = m.CreatedAt
	}

	if !m.Pending {
		// A message read once stays read when it is delivered again.
		ref, known := s.messages[m.ID]
		read := msg.ReadAt != nil || m.SenderID == s.SelfID || (known && ref.read)
		out.messages[m.ID] = messageRef{conv: m.ConversationID, read: read}
		if !read {
			out.addUnread(m.ConversationID, m.ID)
		}
	}
	conv.UnreadCount = out.UnreadCount(conv.ID)

	out.Conversations = append([]Conversation{conv}, out.Conversations...)
	return out
}

// messagesRead marks ids read. Without ids it reads the whole conversation.
// Ids not seen yet are remembered as read for when they arrive.
func (s ChatState) messagesRead(conversationID string, ids []string, at time.Time) ChatState {
	out := s.cloneConversations()
	out.unread = cloneSets(s.unread)
	out.hidden = cloneCounts(s.hidden)
	out.messages = cloneRefs(s.messages)

	whole := len(ids) == 0 && conversationID != ""
	touched := map[string]struct{}{}
	if whole {
		for id := range s.unread[conversationID] {
			out.messages[id] = messageRef{conv: conversationID, read: true}
		}
		delete(out.unread, conversationID)
		delete(out.hidden, conversationID)
		touched[conversationID] = struct{}{}
	}
	for _, id := range ids {
		conv := conversationID
		if ref, ok := s.messages[id]; ok && ref.conv != "" {
			conv = ref.conv
		}
		out.messages[id] = messageRef{conv: conv, read: true}
		out.dropUnread(conv, id)
		touched[conv] = struct{}{}
	}
	readSet := toSet(ids)
	for i, c := range out.Conversations {
		if _, ok := touched[c.ID]; !ok {
			continue
		}
		c.UnreadCount = out.UnreadCount(c.ID)
		if c.LastMessage != nil && c.LastMessage.ReadAt == nil {
			if _, ok := readSet[c.LastMessage.ID]; ok || whole {
				lm := *c.LastMessage
				readAt := at
				lm.ReadAt = &readAt
				c.LastMessage = &lm
				if !lm.Pending {
					out.messages[lm.ID] = messageRef{conv: c.ID, read: true}
				}
			}
		}
		out.Conversations[i] = c
	}
	return out
}

func (s ChatState) messageDeleted(id string) ChatState {
	out := s.cloneConversations()
	out.unread = cloneSets(s.unread)
	out.messages = cloneRefs(s.messages)

	ref, known := s.messages[id]
	delete(out.messages, id)
	for i, c := range out.Conversations {
		if known && ref.conv != "" && c.ID != ref.conv {
			continue
		}
		out.dropUnread(c.ID, id)
		c.UnreadCount = out.UnreadCount(c.ID)
		if c.LastMessage != nil && (c.LastMessage.ID == id || c.LastMessage.LocalID == id) {
			c.LastMessage = nil
		}
		out.Conversations[i] = c
	}
	return out
}

// replaced builds a fresh conversation list. The server's unread ids win
// over local read state; a count sent without ids is kept as a number until a
// conversation-wide read clears it. Read marks of conversations still listed
// carry over, so a late duplicate push cannot make a message unread again.
func (s ChatState) replaced(list []ConversationState) ChatState {
	out := s
	out.Conversations = make([]Conversation, 0, len(list))
	out.unread = map[string]map[string]struct{}{}
	out.hidden = map[string]int{}
	out.messages = map[string]messageRef{}

	listed := make(map[string]struct{}, len(list))
	for _, cs := range list {
		listed[cs.ID] = struct{}{}
	}
	for id, ref := range s.messages {
		if _, ok := listed[ref.conv]; ref.read && (ok || ref.conv == "") {
			out.messages[id] = ref
		}
	}

	seen := map[string]struct{}{}
	for _, cs := range list {
		if _, dup := seen[cs.ID]; dup {
			continue
		}
		seen[cs.ID] = struct{}{}

		set := map[string]struct{}{}
		for _, id := range cs.UnreadMessageIDs {
			set[id] = struct{}{}
			out.messages[id] = messageRef{conv: cs.ID}
		}
		if len(set) > 0 {
			out.unread[cs.ID] = set
		}
		if len(cs.UnreadMessageIDs) == 0 && cs.UnreadCount > 0 {
			out.hidden[cs.ID] = cs.UnreadCount
		}

		c := cs.Conversation
		if c.LastMessage != nil {
			lm := *c.LastMessage
			c.LastMessage = &lm
			if _, unread := set[lm.ID]; !unread && lm.ID != "" {
				if _, tracked := out.messages[lm.ID]; !tracked {
					read := lm.ReadAt != nil || lm.SenderID == s.SelfID || out.hidden[cs.ID] == 0
					out.messages[lm.ID] = messageRef{conv: c.ID, read: read}
				}
			}
		}
		c.UnreadCount = out.UnreadCount(cs.ID)
		out.Conversations = append(out.Conversations, c)
	}
	sort.SliceStable(out.Conversations, func(i, j int) bool {
		return out.Conversations[i].UpdatedAt.After(out.Conversations[j].UpdatedAt)
	})
	return out
}

func (s ChatState) unreadRestored(e MessagesUnreadRestored) ChatState {
	if len(e.IDs) == 0 && e.Hidden == 0 {
		return s
	}
	out := s.cloneConversations()
	out.unread = cloneSets(s.unread)
	out.hidden = cloneCounts(s.hidden)
	out.messages = cloneRefs(s.messages)

	out.addUnread(e.ConversationID, e.IDs...)
	for _, id := range e.IDs {
		out.messages[id] = messageRef{conv: e.ConversationID}
	}
	if e.Hidden > out.hidden[e.ConversationID] {
		out.hidden[e.ConversationID] = e.Hidden
	}
	restored := toSet(e.IDs)
	if i := out.conversationIndex(e.ConversationID); i >= 0 {
		c := out.Conversations[i]
		c.UnreadCount = out.UnreadCount(c.ID)
		if c.LastMessage != nil {
			if _, ok := restored[c.LastMessage.ID]; ok {
				lm := *c.LastMessage
				lm.ReadAt = nil
				c.LastMessage = &lm
			}
		}
		out.Conversations[i] = c
	}
	return out
}

func (s ChatState) pendingFailed(e PendingMessageFailed) ChatState {
	i := s.conversationIndex(e.ConversationID)
	if i < 0 {
		return s
	}
	cur := s.Conversations[i]
	if cur.LastMessage == nil || !cur.LastMessage.Pending || cur.LastMessage.LocalID != e.LocalID {
		return s
	}
	out := s.cloneConversations()
	out.Conversations = append(out.Conversations[:i], out.Conversations[i+1:]...)
	if e.Prior == nil {
		return out
	}
	restored := *e.Prior
	restored.UnreadCount = s.UnreadCount(restored.ID)
	at := e.PriorIndex
	if at < 0 || at > len(out.Conversations) {
		at = len(out.Conversations)
	}
	out.Conversations = append(out.Conversations, Conversation{})
	copy(out.Conversations[at+1:], out.Conversations[at:])
	out.Conversations[at] = restored
	return out
}

func (s ChatState) presencePing(userID string, at, now time.Time) ChatState {
	out := s
	out.presence = make(map[string]time.Time, len(s.presence)+1)
	for id, seen := range s.presence {
		if now.Sub(seen) < s.presenceTTL {
			out.presence[id] = seen
		}
	}
	if prev, ok := out.presence[userID]; !ok || at.After(prev) {
		out.presence[userID] = at
	}
	return out
}

func (s ChatState) typingPing(k typingKey, at, now time.Time) ChatState {
	out := s
	out.typing = make(map[typingKey]time.Time, len(s.typing)+1)
	for key, exp := range s.typing {
		if now.Before(exp) {
			out.typing[key] = exp
		}
	}
	exp := at.Add(s.typingTTL)
	if prev, ok := out.typing[k]; !ok || exp.After(prev) {
		out.typing[k] = exp
	}
	return out
}

func (s ChatState) typingStopped(k typingKey) ChatState {
	if _, ok := s.typing[k]; !ok {
		return s
	}
	out := s
	out.typing = make(map[typingKey]time.Time, len(s.typing))
	for key, exp := range s.typing {
		if key != k {
			out.typing[key] = exp
		}
	}
	return out
}

// ── Copy helpers ─────────────────────────────────────────

func (s ChatState) cloneConversations() ChatState {
	out := s
	out.Conversations = append([]Conversation(nil), s.Conversations...)
	return out
}

// cloneSets copies the outer map only. Sets stay shared with the state they
// came from until addUnread or dropUnread replaces the one being changed.
func cloneSets(in map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(in))
	for conv, set := range in {
		out[conv] = set
	}
	return out
}

func (s *ChatState) addUnread(conv string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	old := s.unread[conv]
	set := make(map[string]struct{}, len(old)+len(ids))
	for id := range old {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.unread[conv] = set
}

func (s *ChatState) dropUnread(conv, id string) {
	old := s.unread[conv]
	if _, ok := old[id]; !ok {
		return
	}
	if len(old) == 1 {
		delete(s.unread, conv)
		return
	}
	set := make(map[string]struct{}, len(old)-1)
	for k := range old {
		if k != id {
			set[k] = struct{}{}
		}
	}
	s.unread[conv] = set
}

func cloneCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRefs(in map[string]messageRef) map[string]messageRef {
	out := make(map[string]messageRef, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
