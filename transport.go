package marketsync

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// Transport boundary
// ============================================================================

// EventHandler receives the raw payload of one named event.
type EventHandler func(payload []byte)

// Subscription is a live channel subscription.
type Subscription interface {
	// On registers h for events named event on this channel.
	On(event string, h EventHandler)
}

// Transport is a persistent push connection carrying named events on
// channels. Implementations invoke handlers inline, in arrival order.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Unsubscribe(channel string) error
	Connected() bool
	// OnConnectionChange registers fn for connect and disconnect edges.
	OnConnectionChange(fn func(connected bool))
	Close() error
}

// TransportFactory opens the transport for one session.
type TransportFactory func(ctx context.Context, id Identity) (Transport, error)

// Envelope is a push frame as carried by the bundled transports.
type Envelope struct {
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Router
// ============================================================================

// router maps (channel, event) to handlers and tracks connection-edge
// listeners. It is shared by the WebSocket and SSE transports.
type router struct {
	mu       sync.RWMutex
	channels map[string]map[string][]EventHandler
	edges    []func(bool)
}

func newRouter() *router {
	return &router{channels: make(map[string]map[string][]EventHandler)}
}

// add registers a channel and reports whether it was new.
func (r *router) add(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channel]; ok {
		return false
	}
	r.channels[channel] = make(map[string][]EventHandler)
	return true
}

// remove drops a channel and its handlers, reporting whether it existed.
func (r *router) remove(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channel]; !ok {
		return false
	}
	delete(r.channels, channel)
	return true
}

func (r *router) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

func (r *router) on(channel, event string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events, ok := r.channels[channel]
	if !ok {
		return
	}
	events[event] = append(events[event], h)
}

// dispatch runs the handlers for env synchronously.
func (r *router) dispatch(env Envelope) {
	r.mu.RLock()
	handlers := append([]EventHandler(nil), r.channels[env.Channel][env.Type]...)
	r.mu.RUnlock()
	for _, h := range handlers {
		h(env.Payload)
	}
}

func (r *router) onEdge(fn func(bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, fn)
}

func (r *router) emitEdge(connected bool) {
	r.mu.RLock()
	fns := append([]func(bool){}, r.edges...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(connected)
	}
}

type routedSubscription struct {
	r       *router
	channel string
}

func (s routedSubscription) On(event string, h EventHandler) { s.r.on(s.channel, event, h) }
