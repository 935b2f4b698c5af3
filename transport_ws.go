package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Realtime config
// ============================================================================

// RealtimeConfig configures the bundled transports.
type RealtimeConfig struct {
	Token                string
	DisableReconnect     bool
	MaxReconnectAttempts int // 0 means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	// IdleTimeout closes an SSE stream that delivered nothing for this long.
	IdleTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

func (c *RealtimeConfig) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.Nop()
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
	StateClosed       RealtimeState = "closed"
)

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

func realtimeURL(baseURL, path, token string) string {
	u := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + path + "?token=" + url.QueryEscape(token)
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket transport with heartbeat, automatic reconnect
// and resubscription of every channel after a reconnect.
type WSTransport struct {
	baseURL string
	config  *RealtimeConfig
	router  *router
	recon   *reconnector
	log     zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       RealtimeState
	cancel      context.CancelFunc
	done        chan struct{}
	pingCounter int

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewWSTransport creates a transport for baseURL. Nothing is dialled until
// Start.
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSTransport{
		baseURL:      baseURL,
		config:       &cfg,
		router:       newRouter(),
		recon:        newReconnector(&cfg),
		log:          cfg.logger().With().Str("transport", "ws").Logger(),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan struct{}),
	}
}

// WSTransportFactory opens a started WSTransport per session, authenticated
// with the session's token.
func WSTransportFactory(baseURL string, config *RealtimeConfig) TransportFactory {
	return func(ctx context.Context, id Identity) (Transport, error) {
		cfg := RealtimeConfig{}
		if config != nil {
			cfg = *config
		}
		cfg.Token = id.Token
		t := NewWSTransport(baseURL, &cfg)
		t.Start(ctx)
		return t, nil
	}
}

// Start keeps a connection up in the background until ctx ends or Close.
func (ws *WSTransport) Start(ctx context.Context) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.cancel != nil || ws.state == StateClosed {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	ws.cancel = cancel
	ws.done = make(chan struct{})
	ws.recon.reset()
	go ws.run(runCtx, ws.done)
}

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSTransport) Connected() bool { return ws.State() == StateConnected }

func (ws *WSTransport) OnConnectionChange(fn func(bool)) { ws.router.onEdge(fn) }

// Subscribe registers channel. While connected the subscribe command is sent
// right away; otherwise it is sent on the next connect.
func (ws *WSTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if ws.State() == StateClosed {
		return nil, errors.New("transport closed")
	}
	if ws.router.add(channel) && ws.Connected() {
		if err := ws.sendChannel(ctx, "channel.subscribe", channel); err != nil {
			ws.router.remove(channel)
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	return routedSubscription{r: ws.router, channel: channel}, nil
}

func (ws *WSTransport) Unsubscribe(channel string) error {
	if !ws.router.remove(channel) || !ws.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.config.PingTimeout)
	defer cancel()
	return ws.sendChannel(ctx, "channel.unsubscribe", channel)
}

// Close stops reconnecting and closes the connection.
func (ws *WSTransport) Close() error {
	ws.mu.Lock()
	if ws.state == StateClosed {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateClosed
	cancel, conn, done := ws.cancel, ws.conn, ws.done
	ws.conn = nil
	ws.mu.Unlock()

	ws.clearPendingPings()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

func (ws *WSTransport) sendChannel(ctx context.Context, kind, channel string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    kind,
		Payload: map[string]string{"channel": channel},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *WSTransport) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSTransport) Ping(ctx context.Context) error {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan struct{}, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Connection loop ─────────────────────────────────────

func (ws *WSTransport) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ws.connect(ctx)
		if err == nil {
			err = ws.serve(ctx, conn)
		}
		if ctx.Err() != nil || ws.State() == StateClosed {
			return
		}
		ws.log.Debug().Err(err).Msg("connection ended")
		if ws.config.DisableReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Debug().Int("attempt", ws.recon.attempt).Dur("delay", delay).Msg("reconnecting")
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

// connect dials and waits for the "authenticated" frame.
func (ws *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	ws.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, realtimeURL(ws.baseURL, "/ws", ws.config.Token), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

// serve runs one established connection until it fails.
func (ws *WSTransport) serve(ctx context.Context, conn *websocket.Conn) error {
	ws.mu.Lock()
	if ws.state == StateClosed {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.New("transport closed")
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	for _, ch := range ws.router.names() {
		if err := ws.sendChannel(ctx, "channel.subscribe", ch); err != nil {
			ws.drop(conn, websocket.StatusGoingAway, "resubscribe failed")
			return fmt.Errorf("resubscribe %s: %w", ch, err)
		}
	}
	ws.router.emitEdge(true)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ws.heartbeatLoop(connCtx, conn)

	err := ws.readLoop(connCtx, conn)
	ws.drop(conn, websocket.StatusGoingAway, "")
	ws.router.emitEdge(false)
	return err
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug().Int("bytes", len(data)).Msg("ignoring undecodable frame")
			continue
		}

		if env.Type == "pong" {
			var p struct {
				RequestID string `json:"requestId"`
			}
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				ws.pendingMu.Unlock()
				if ok {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
			continue
		}

		if env.Channel != "" {
			ws.router.dispatch(env)
		}
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					ws.log.Debug().Err(err).Msg("heartbeat failed")
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// drop forgets conn if it is still current and closes it.
func (ws *WSTransport) drop(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	ws.mu.Lock()
	if ws.conn == conn {
		ws.conn = nil
		if ws.state != StateClosed {
			ws.state = StateDisconnected
		}
	}
	ws.mu.Unlock()
	conn.Close(code, reason)
}

func (ws *WSTransport) setState(s RealtimeState) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.state != StateClosed {
		ws.state = s
	}
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k := range ws.pendingPings {
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
