package marketsync

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Wire event names accepted from the transport. Aliases exist because the
// notification and chat channels are served by different backends.
var wireEvents = map[string]EventKind{
	"notification.created": KindNotificationCreated,
	"notification.new":     KindNotificationCreated,
	"notification.read":    KindNotificationsRead,
	"notifications.read":   KindNotificationsRead,
	"notification.deleted": KindNotificationDeleted,
	"message.created":      KindMessageCreated,
	"message.new":          KindMessageCreated,
	"message.read":         KindMessagesRead,
	"messages.read":        KindMessagesRead,
	"message.deleted":      KindMessageDeleted,
	"presence.ping":        KindPresencePing,
	"presence.changed":     KindPresencePing,
	"typing":               KindTypingPing,
	"typing.ping":          KindTypingPing,
	"typing.indicator":     KindTypingPing,
	"typing.stopped":       KindTypingStopped,
}

// WireEvents returns the transport event names the normalizer understands.
func WireEvents() []string {
	names := make([]string, 0, len(wireEvents))
	for name := range wireEvents {
		names = append(names, name)
	}
	return names
}

// Normalize converts a transport payload into an internal event.
//
// A nil Event with a nil error means the payload is well formed but carries
// no state change (for example a presence "offline" status).
func Normalize(name string, payload []byte) (Event, error) {
	kind, ok := wireEvents[name]
	if !ok {
		return nil, &MalformedEventError{Event: name, Reason: "unknown event"}
	}
	if !gjson.ValidBytes(payload) {
		return nil, &MalformedEventError{Event: name, Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, &MalformedEventError{Event: name, Reason: "payload is not an object"}
	}

	switch kind {
	case KindNotificationCreated:
		n, err := parseNotification(name, unwrap(root, "notification"))
		if err != nil {
			return nil, err
		}
		return NotificationCreated{Notification: n}, nil

	case KindNotificationsRead:
		ids := idList(root, "ids", "notificationIds", "id")
		if len(ids) == 0 {
			return nil, &MalformedEventError{Event: name, Reason: "no ids"}
		}
		at, _ := timeField(root, "readAt", "read_at", "at")
		return NotificationsRead{IDs: ids, At: at}, nil

	case KindNotificationDeleted:
		id := idField(unwrap(root, "notification"), "id", "notificationId")
		if id == "" {
			return nil, &MalformedEventError{Event: name, Reason: "missing id"}
		}
		return NotificationDeleted{ID: id}, nil

	case KindMessageCreated:
		m, err := parseMessage(name, unwrap(root, "message"))
		if err != nil {
			return nil, err
		}
		return MessageCreated{Message: m}, nil

	case KindMessagesRead:
		conv := idField(root, "conversationId", "conversation_id")
		ids := idList(root, "ids", "messageIds", "id")
		if conv == "" && len(ids) == 0 {
			return nil, &MalformedEventError{Event: name, Reason: "no ids and no conversation"}
		}
		at, _ := timeField(root, "readAt", "read_at", "at")
		return MessagesRead{IDs: ids, ConversationID: conv, At: at}, nil

	case KindMessageDeleted:
		id := idField(unwrap(root, "message"), "id", "messageId")
		if id == "" {
			return nil, &MalformedEventError{Event: name, Reason: "missing id"}
		}
		return MessageDeleted{ID: id}, nil

	case KindPresencePing:
		user := idField(root, "userId", "user_id", "id")
		if user == "" {
			return nil, &MalformedEventError{Event: name, Reason: "missing userId"}
		}
		if status := strings.ToLower(first(root, "status").String()); status == "offline" {
			return nil, nil
		}
		at, _ := timeField(root, "at", "lastSeenAt", "last_seen")
		return PresencePing{UserID: user, At: at}, nil

	case KindTypingPing, KindTypingStopped:
		user := idField(root, "userId", "user_id")
		conv := idField(root, "conversationId", "conversation_id")
		if user == "" || conv == "" {
			return nil, &MalformedEventError{Event: name, Reason: "missing userId or conversationId"}
		}
		stopped := kind == KindTypingStopped
		if r := root.Get("isTyping"); r.Exists() && !r.Bool() {
			stopped = true
		}
		if stopped {
			return TypingStopped{UserID: user, ConversationID: conv}, nil
		}
		at, _ := timeField(root, "at")
		return TypingPing{UserID: user, ConversationID: conv, At: at}, nil
	}
	return nil, &MalformedEventError{Event: name, Reason: "unhandled kind " + string(kind)}
}

func parseNotification(name string, obj gjson.Result) (Notification, error) {
	id := idField(obj, "id")
	if id == "" {
		return Notification{}, &MalformedEventError{Event: name, Reason: "missing id"}
	}
	created, ok := timeField(obj, "createdAt", "created_at")
	if !ok {
		return Notification{}, &MalformedEventError{Event: name, Reason: "missing createdAt"}
	}
	n := Notification{
		ID:           id,
		Kind:         first(obj, "kind", "type").String(),
		Title:        first(obj, "title").String(),
		Body:         first(obj, "body", "message").String(),
		CreatedAt:    created,
		TargetUserID: idField(obj, "targetUserId", "target_user_id", "userId"),
		SenderRef:    idField(obj, "senderRef", "senderId", "sender_id"),
	}
	if p := first(obj, "payload", "data"); p.Exists() && p.Type != gjson.Null {
		n.Payload = []byte(p.Raw)
	}
	if at, ok := timeField(obj, "readAt", "read_at"); ok {
		n.ReadAt = &at
	}
	return n, nil
}

func parseMessage(name string, obj gjson.Result) (Message, error) {
	id := idField(obj, "id")
	conv := idField(obj, "conversationId", "conversation_id")
	if id == "" || conv == "" {
		return Message{}, &MalformedEventError{Event: name, Reason: "missing id or conversationId"}
	}
	created, ok := timeField(obj, "createdAt", "created_at")
	if !ok {
		return Message{}, &MalformedEventError{Event: name, Reason: "missing createdAt"}
	}
	m := Message{
		ID:             id,
		LocalID:        idField(obj, "clientId", "localId"),
		ConversationID: conv,
		SenderID:       idField(obj, "senderId", "sender_id"),
		Body:           first(obj, "body", "content").String(),
		CreatedAt:      created,
	}
	if at, ok := timeField(obj, "readAt", "read_at"); ok {
		m.ReadAt = &at
	}
	return m, nil
}

// ============================================================================
// Helpers
// ============================================================================

func unwrap(root gjson.Result, key string) gjson.Result {
	if inner := root.Get(key); inner.IsObject() {
		return inner
	}
	return root
}

func first(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := obj.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// idField reads an identifier that may be encoded as a JSON string or number.
func idField(obj gjson.Result, keys ...string) string {
	return idValue(first(obj, keys...))
}

func idValue(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.Raw
	}
	return ""
}

func idList(obj gjson.Result, keys ...string) []string {
	r := first(obj, keys...)
	if !r.Exists() {
		return nil
	}
	if !r.IsArray() {
		if id := idValue(r); id != "" {
			return []string{id}
		}
		return nil
	}
	var ids []string
	for _, item := range r.Array() {
		if id := idValue(item); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// timeField accepts RFC3339 strings and epoch milliseconds.
func timeField(obj gjson.Result, keys ...string) (time.Time, bool) {
	r := first(obj, keys...)
	switch r.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UTC(), true
		}
		if ms, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), true
	}
	return time.Time{}, false
}
