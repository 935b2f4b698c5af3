package marketsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SSETransport is a server-push-only transport. The channel set travels in
// the stream URL, so subscribing or unsubscribing restarts the stream. A
// restart is reported as a disconnect followed by a connect once the new
// stream is open, since events sent in between are lost.
type SSETransport struct {
	baseURL string
	config  *RealtimeConfig
	router  *router
	recon   *reconnector
	log     zerolog.Logger

	restart chan struct{}

	mu           sync.Mutex
	state        RealtimeState
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	lastDataTime time.Time
}

func NewSSETransport(baseURL string, config *RealtimeConfig) *SSETransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		router:  newRouter(),
		recon:   newReconnector(&cfg),
		log:     cfg.logger().With().Str("transport", "sse").Logger(),
		restart: make(chan struct{}, 1),
		state:   StateDisconnected,
	}
}

// SSETransportFactory opens a started SSETransport per session.
func SSETransportFactory(baseURL string, config *RealtimeConfig) TransportFactory {
	return func(ctx context.Context, id Identity) (Transport, error) {
		cfg := RealtimeConfig{}
		if config != nil {
			cfg = *config
		}
		cfg.Token = id.Token
		t := NewSSETransport(baseURL, &cfg)
		t.Start(ctx)
		return t, nil
	}
}

// Start keeps a stream open in the background until ctx ends or Close.
func (sse *SSETransport) Start(ctx context.Context) {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	if sse.cancel != nil || sse.state == StateClosed {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	sse.cancel = cancel
	sse.done = make(chan struct{})
	sse.recon.reset()
	go sse.run(runCtx, sse.done)
}

func (sse *SSETransport) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *SSETransport) Connected() bool {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.connected
}

func (sse *SSETransport) OnConnectionChange(fn func(bool)) { sse.router.onEdge(fn) }

func (sse *SSETransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if sse.State() == StateClosed {
		return nil, errors.New("transport closed")
	}
	if sse.router.add(channel) {
		sse.requestRestart()
	}
	return routedSubscription{r: sse.router, channel: channel}, nil
}

func (sse *SSETransport) Unsubscribe(channel string) error {
	if sse.router.remove(channel) {
		sse.requestRestart()
	}
	return nil
}

func (sse *SSETransport) Close() error {
	sse.mu.Lock()
	if sse.state == StateClosed {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateClosed
	cancel, done := sse.cancel, sse.done
	sse.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (sse *SSETransport) requestRestart() {
	select {
	case sse.restart <- struct{}{}:
	default:
	}
}

func (sse *SSETransport) streamURL() string {
	channels := sse.router.names()
	sort.Strings(channels)
	q := url.Values{}
	q.Set("token", sse.config.Token)
	if len(channels) > 0 {
		q.Set("channels", strings.Join(channels, ","))
	}
	return sse.baseURL + "/sse?" + q.Encode()
}

// ── Stream loop ─────────────────────────────────────────

func (sse *SSETransport) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer sse.setConnected(false)
	for {
		restarted, err := sse.stream(ctx)
		if ctx.Err() != nil || sse.State() == StateClosed {
			return
		}
		if restarted {
			sse.setConnected(false)
			continue
		}
		sse.setConnected(false)
		sse.log.Debug().Err(err).Msg("stream ended")
		if sse.config.DisableReconnect || !sse.recon.shouldReconnect() {
			sse.setState(StateDisconnected)
			return
		}
		delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-sse.restart:
		case <-time.After(delay):
		}
	}
}

// stream runs one HTTP stream. It reports restarted=true when it ended
// because the channel set changed.
func (sse *SSETransport) stream(ctx context.Context) (restarted bool, err error) {
	// A restart requested before this stream opened is already reflected
	// in its URL.
	select {
	case <-sse.restart:
	default:
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sse.setState(StateConnecting)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, sse.streamURL(), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.lastDataTime = time.Now()
	sse.mu.Unlock()
	sse.setState(StateConnected)
	sse.recon.markConnected()
	sse.setConnected(true)

	var mu sync.Mutex
	go func() {
		ticker := time.NewTicker(sse.config.IdleTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-sse.restart:
				mu.Lock()
				restarted = true
				mu.Unlock()
				cancel()
				return
			case <-ticker.C:
				sse.mu.Lock()
				stale := time.Since(sse.lastDataTime) > sse.config.IdleTimeout
				sse.mu.Unlock()
				if stale {
					sse.log.Debug().Msg("stream idle, reconnecting")
					cancel()
					return
				}
			}
		}
	}()

	err = sse.readLoop(resp)
	cancel()
	mu.Lock()
	defer mu.Unlock()
	return restarted, err
}

func (sse *SSETransport) readLoop(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			var env Envelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil && env.Channel != "" {
				sse.router.dispatch(env)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream ended")
}

func (sse *SSETransport) setState(s RealtimeState) {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	if sse.state != StateClosed {
		sse.state = s
	}
}

func (sse *SSETransport) setConnected(c bool) {
	sse.mu.Lock()
	if sse.connected == c {
		sse.mu.Unlock()
		return
	}
	sse.connected = c
	sse.mu.Unlock()
	sse.router.emitEdge(c)
}
