package marketsync

import "time"

// EventKind names an internal event. Values double as metric labels.
type EventKind string

const (
	KindNotificationCreated    EventKind = "notification_created"
	KindNotificationsRead      EventKind = "notifications_read"
	KindNotificationDeleted    EventKind = "notification_deleted"
	KindNotificationsReplaced  EventKind = "notifications_replaced"
	KindNotificationsRestored  EventKind = "notifications_restored"
	KindMessageCreated         EventKind = "message_created"
	KindMessagesRead           EventKind = "messages_read"
	KindMessageDeleted         EventKind = "message_deleted"
	KindConversationsReplaced  EventKind = "conversations_replaced"
	KindMessagesUnreadRestored EventKind = "messages_unread_restored"
	KindPendingMessageFailed   EventKind = "pending_message_failed"
	KindPresencePing           EventKind = "presence_ping"
	KindTypingPing             EventKind = "typing_ping"
	KindTypingStopped          EventKind = "typing_stopped"
)

// Event is the closed vocabulary every state transition is expressed in.
type Event interface {
	Kind() EventKind
}

// ── Notifications ────────────────────────────────────────

// NotificationCreated adds a notification to the front of the feed.
type NotificationCreated struct {
	Notification Notification
}

// NotificationsRead marks the given notifications read. A zero At means
// "when applied".
type NotificationsRead struct {
	IDs []string
	At  time.Time
}

// NotificationDeleted removes a notification.
type NotificationDeleted struct {
	ID string
}

// NotificationsReplaced is the authoritative full replace (SetAll).
type NotificationsReplaced struct {
	Notifications []Notification
}

// NotificationPrior is the rollback state of one notification. A nil Prior
// means the notification did not exist.
type NotificationPrior struct {
	ID    string
	Prior *Notification
	Index int
}

// NotificationsRestored puts notifications back the way they were before an
// optimistic mutation. Emitted only by the mutation coordinator.
type NotificationsRestored struct {
	Priors []NotificationPrior
}

// ── Chat ─────────────────────────────────────────────────

// MessageCreated records a new message in its conversation.
type MessageCreated struct {
	Message Message
}

// MessagesRead marks messages of a conversation read. Empty IDs means every
// unread message of ConversationID.
type MessagesRead struct {
	IDs            []string
	ConversationID string
	At             time.Time
}

// MessageDeleted drops a message.
type MessageDeleted struct {
	ID string
}

// ConversationsReplaced is the authoritative full replace of the chat list.
type ConversationsReplaced struct {
	Conversations []ConversationState
}

// MessagesUnreadRestored undoes an optimistic read of messages.
type MessagesUnreadRestored struct {
	ConversationID string
	IDs            []string
	// Hidden restores an unread count the server reported without ids.
	Hidden int
}

// PendingMessageFailed withdraws an optimistic message that the backend
// refused. Prior is the conversation as it was before the send (nil when the
// send created it).
type PendingMessageFailed struct {
	LocalID        string
	ConversationID string
	Prior          *Conversation
	PriorIndex     int
}

// PresencePing refreshes a user's last-seen time.
type PresencePing struct {
	UserID string
	At     time.Time
}

// TypingPing marks a user as typing in a conversation for one TTL window.
type TypingPing struct {
	UserID         string
	ConversationID string
	At             time.Time
}

// TypingStopped clears a typing entry before its TTL runs out.
type TypingStopped struct {
	UserID         string
	ConversationID string
}

func (NotificationCreated) Kind() EventKind    { return KindNotificationCreated }
func (NotificationsRead) Kind() EventKind      { return KindNotificationsRead }
func (NotificationDeleted) Kind() EventKind    { return KindNotificationDeleted }
func (NotificationsReplaced) Kind() EventKind  { return KindNotificationsReplaced }
func (NotificationsRestored) Kind() EventKind  { return KindNotificationsRestored }
func (MessageCreated) Kind() EventKind         { return KindMessageCreated }
func (MessagesRead) Kind() EventKind           { return KindMessagesRead }
func (MessageDeleted) Kind() EventKind         { return KindMessageDeleted }
func (ConversationsReplaced) Kind() EventKind  { return KindConversationsReplaced }
func (MessagesUnreadRestored) Kind() EventKind { return KindMessagesUnreadRestored }
func (PendingMessageFailed) Kind() EventKind   { return KindPendingMessageFailed }
func (PresencePing) Kind() EventKind           { return KindPresencePing }
func (TypingPing) Kind() EventKind             { return KindTypingPing }
func (TypingStopped) Kind() EventKind          { return KindTypingStopped }

func eventTime(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at
}
