package marketsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the marketplace API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Status is the HTTP status the error arrived with (0 when unknown).
	Status int `json:"-"`
	// RemainingAttempts is set by the server on credential failures.
	RemainingAttempts *int `json:"remainingAttempts,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// IsAuth reports whether the error is a credential rejection.
func (e *APIError) IsAuth() bool {
	return e.Status == 401 || e.Code == "UNAUTHORIZED" || e.Code == "TOKEN_EXPIRED" || e.Code == "INVALID_TOKEN"
}

// APIResult is the generic response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// Identity is the authenticated user a session is scoped to.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Token    string `json:"-"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a single entry of the user's notification feed.
type Notification struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Title        string          `json:"title,omitempty"`
	Body         string          `json:"body,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ReadAt       *time.Time      `json:"readAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	SenderRef    string          `json:"senderRef,omitempty"`
}

// Unread reports whether the notification has not been read yet.
func (n Notification) Unread() bool { return n.ReadAt == nil }

// ============================================================================
// Chat
// ============================================================================

// Message is a chat message as far as the engine tracks it.
type Message struct {
	ID             string     `json:"id"`
	LocalID        string     `json:"localId,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Body           string     `json:"body"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Pending        bool       `json:"pending,omitempty"`
}

// Conversation is one row of the conversation list.
type Conversation struct {
	ID             string    `json:"id"`
	CounterpartRef string    `json:"counterpartRef,omitempty"`
	LastMessage    *Message  `json:"lastMessage,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ConversationState is a conversation as returned by an authoritative fetch.
// UnreadMessageIDs is the source the unread count is derived from.
type ConversationState struct {
	Conversation
	UnreadMessageIDs []string `json:"unreadMessageIds,omitempty"`
}

// TypingEntry names a user typing in a conversation.
type TypingEntry struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is the read-only view handed to the UI.
type Snapshot struct {
	Identity      *Identity      `json:"identity,omitempty"`
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
	Conversations []Conversation `json:"conversations"`
	OnlineUserIDs []string       `json:"onlineUserIds"`
	TypingUserIDs []string       `json:"typingUserIds"`
	Typing        []TypingEntry  `json:"typing,omitempty"`
	Connected     bool           `json:"connected"`
	// Baseline is true once an authoritative fetch has been applied since
	// the last connect edge.
	Baseline bool `json:"baseline"`
	// Version increases with every applied transition.
	Version uint64 `json:"version"`
}
