package marketsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.classifieds-hub.com",
	Staging:    "https://api.staging.classifieds-hub.com",
}

const (
	DefaultBaseURL   = "https://api.classifieds-hub.com"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "marketsync-go"
)

// ============================================================================
// Client
// ============================================================================

// HTTPClient is the marketplace REST API. It implements Backend and
// IdentityFetcher.
type HTTPClient struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

var (
	_ Backend         = (*HTTPClient)(nil)
	_ IdentityFetcher = (*HTTPClient)(nil)
)

type ClientOption func(*HTTPClient)

func WithBaseURL(url string) ClientOption {
	return func(c *HTTPClient) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *HTTPClient) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// NewClient creates a client authenticated with token. An empty token is
// allowed; authenticated endpoints then fail with an UNAUTHORIZED APIError.
func NewClient(token string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		token:     token,
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the credential used for subsequent requests.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body interface{}) (*APIResult, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeResult(resp.StatusCode, data)
}

// decodeResult turns a response into an APIResult, or an *APIError when the
// server reported a failure either in the envelope or through the status.
func decodeResult(status int, data []byte) (*APIResult, error) {
	var result APIResult
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if status >= 300 {
				return nil, &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status), Status: status}
			}
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	} else {
		result.OK = status < 300
	}
	if result.Error != nil {
		result.Error.Status = status
		return nil, result.Error
	}
	if status >= 300 || !result.OK {
		return nil, &APIError{Code: "HTTP_ERROR", Message: http.StatusText(status), Status: status}
	}
	return &result, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body interface{}) (*APIResult, error) {
	res, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, &BackendRequestError{Op: op, Err: err}
	}
	return res, nil
}

// ============================================================================
// Identity
// ============================================================================

func (c *HTTPClient) Me(ctx context.Context) (*Identity, error) {
	res, err := c.do(ctx, "me", http.MethodGet, "/api/me", nil)
	if err != nil {
		return nil, err
	}
	obj := unwrap(gjson.ParseBytes(res.Data), "user")
	id := Identity{
		UserID:   idField(obj, "id", "userId"),
		Username: first(obj, "username", "displayName").String(),
		Token:    c.token,
	}
	if id.UserID == "" {
		return nil, &BackendRequestError{Op: "me", Err: fmt.Errorf("response has no user id")}
	}
	return &id, nil
}

// ============================================================================
// Notifications
// ============================================================================

func (c *HTTPClient) FetchNotifications(ctx context.Context) ([]Notification, error) {
	const op = "fetch notifications"
	res, err := c.do(ctx, op, http.MethodGet, "/api/notifications", nil)
	if err != nil {
		return nil, err
	}
	list := listData(res.Data, "notifications")
	out := make([]Notification, 0, len(list))
	for _, item := range list {
		n, err := parseNotification(op, item)
		if err != nil {
			return nil, &BackendRequestError{Op: op, Err: err}
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *HTTPClient) MarkNotificationsRead(ctx context.Context, ids []string) error {
	_, err := c.do(ctx, "mark notifications read", http.MethodPost, "/api/notifications/read",
		map[string]interface{}{"ids": ids})
	return err
}

func (c *HTTPClient) DeleteNotification(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete notification", http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil)
	return err
}

// ============================================================================
// Conversations
// ============================================================================

func (c *HTTPClient) FetchConversations(ctx context.Context) ([]ConversationState, error) {
	const op = "fetch conversations"
	res, err := c.do(ctx, op, http.MethodGet, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	list := listData(res.Data, "conversations")
	out := make([]ConversationState, 0, len(list))
	for _, item := range list {
		cs, err := parseConversation(op, item)
		if err != nil {
			return nil, &BackendRequestError{Op: op, Err: err}
		}
		out = append(out, cs)
	}
	return out, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID, text, clientID string) (*Message, error) {
	const op = "send message"
	res, err := c.do(ctx, op, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]interface{}{"body": text, "clientId": clientID})
	if err != nil {
		return nil, err
	}
	obj := unwrap(gjson.ParseBytes(res.Data), "message")
	if !obj.Get("conversationId").Exists() && !obj.Get("conversation_id").Exists() {
		obj = gjson.Parse(withField(obj.Raw, "conversationId", conversationID))
	}
	m, err := parseMessage(op, obj)
	if err != nil {
		return nil, &BackendRequestError{Op: op, Err: err}
	}
	if m.LocalID == "" {
		m.LocalID = clientID
	}
	return &m, nil
}

func (c *HTTPClient) MarkMessagesRead(ctx context.Context, conversationID string, ids []string) error {
	var body map[string]interface{}
	if len(ids) > 0 {
		body = map[string]interface{}{"ids": ids}
	} else {
		body = map[string]interface{}{"all": true}
	}
	_, err := c.do(ctx, "mark messages read", http.MethodPost,
		"/api/conversations/"+url.PathEscape(conversationID)+"/read", body)
	return err
}

// ============================================================================
// Decoding
// ============================================================================

// listData accepts either a bare array or an object holding the array
// under key.
func listData(data json.RawMessage, key string) []gjson.Result {
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		root = root.Get(key)
	}
	return root.Array()
}

func parseConversation(name string, obj gjson.Result) (ConversationState, error) {
	id := idField(obj, "id", "conversationId")
	if id == "" {
		return ConversationState{}, &MalformedEventError{Event: name, Reason: "conversation without id"}
	}
	cs := ConversationState{
		Conversation: Conversation{
			ID:             id,
			CounterpartRef: idField(obj, "counterpartRef", "counterpartId", "participantId"),
			UnreadCount:    int(first(obj, "unreadCount", "unread_count").Int()),
		},
		UnreadMessageIDs: idList(obj, "unreadMessageIds", "unread_message_ids"),
	}
	if at, ok := timeField(obj, "updatedAt", "updated_at"); ok {
		cs.UpdatedAt = at
	}
	if lm := first(obj, "lastMessage", "last_message"); lm.IsObject() {
		if !lm.Get("conversationId").Exists() && !lm.Get("conversation_id").Exists() {
			lm = gjson.Parse(withField(lm.Raw, "conversationId", id))
		}
		m, err := parseMessage(name, lm)
		if err != nil {
			return ConversationState{}, err
		}
		cs.LastMessage = &m
		if cs.UpdatedAt.IsZero() {
			cs.UpdatedAt = m.CreatedAt
		}
	}
	return cs, nil
}

// withField adds a string field to a raw JSON object.
func withField(raw, key, value string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return raw
	}
	v, _ := json.Marshal(value)
	obj[key] = v
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return string(out)
}
