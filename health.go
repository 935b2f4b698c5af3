package marketsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// health turns the transport's connection callbacks into deduplicated edges.
// Each connect edge starts a new epoch.
type health struct {
	store *store
	log   zerolog.Logger

	onConnected    func(gen, epoch uint64)
	onDisconnected func(gen uint64)

	mu        sync.Mutex
	gen       uint64
	connected bool
	epoch     uint64
}

func newHealth(st *store, log zerolog.Logger) *health {
	return &health{store: st, log: log}
}

func (h *health) reset(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen = gen
	h.connected = false
}

// report records the transport state for session gen. Equal repeated states
// are not edges.
func (h *health) report(gen uint64, connected bool) {
	h.mu.Lock()
	if gen != h.gen || gen == 0 || connected == h.connected {
		h.mu.Unlock()
		return
	}
	h.connected = connected
	if connected {
		h.epoch++
	}
	epoch := h.epoch
	h.mu.Unlock()

	h.store.setConnected(gen, connected)
	if connected {
		h.log.Info().Uint64("epoch", epoch).Msg("connected")
		if h.onConnected != nil {
			h.onConnected(gen, epoch)
		}
		return
	}
	h.log.Info().Msg("disconnected")
	if h.onDisconnected != nil {
		h.onDisconnected(gen)
	}
}

func (h *health) isConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}
