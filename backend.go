package marketsync

import "context"

// Backend is the marketplace API as seen by the engine. Failures are returned
// as *BackendRequestError wrapping an *APIError when the server answered.
//
// Only the mutation coordinator calls the mutating methods; the poller calls
// the two fetches.
type Backend interface {
	FetchNotifications(ctx context.Context) ([]Notification, error)
	MarkNotificationsRead(ctx context.Context, ids []string) error
	DeleteNotification(ctx context.Context, id string) error
	FetchConversations(ctx context.Context) ([]ConversationState, error)
	// SendMessage posts text to a conversation. clientID is echoed back on the
	// stored message so the pending copy can be matched.
	SendMessage(ctx context.Context, conversationID, text, clientID string) (*Message, error)
	// MarkMessagesRead marks messages of one conversation read. Empty ids mark
	// the whole conversation.
	MarkMessagesRead(ctx context.Context, conversationID string, ids []string) error
}

// IdentityFetcher resolves the identity behind the client's credential.
type IdentityFetcher interface {
	Me(ctx context.Context) (*Identity, error)
}
