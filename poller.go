package marketsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Trigger names what asked for a reconciliation.
type Trigger string

const (
	TriggerInterval    Trigger = "interval"
	TriggerConnect     Trigger = "connect"
	TriggerEstablish   Trigger = "establish"
	TriggerFallback    Trigger = "fallback"
	TriggerManual      Trigger = "manual"
	TriggerResubscribe Trigger = "resubscribe" // a channel opened mid-session
)

// flight is one authoritative fetch. done closes when it has been applied or
// abandoned; err is valid after that.
type flight struct {
	trigger Trigger
	done    chan struct{}
	err     error
}

// poller runs authoritative refetches. At most one fetch is in flight;
// triggers arriving meanwhile are skipped, except that a skipped connect or
// resubscribe trigger owes one follow-up fetch if the in-flight one does not
// produce a baseline.
type poller struct {
	store    *store
	backend  Backend
	metrics  *Metrics
	log      zerolog.Logger
	interval time.Duration
	limiter  *rate.Limiter
	now      func() time.Time

	// onTick runs before every interval trigger.
	onTick func(gen uint64)

	mu         sync.Mutex
	ctx        context.Context
	gen        uint64
	stopTicker context.CancelFunc
	current    *flight
	owed       bool
	foreground bool

	fetches sync.WaitGroup
}

func newPoller(st *store, backend Backend, cfg Config, metrics *Metrics, log zerolog.Logger, now func() time.Time) *poller {
	return &poller{
		store:      st,
		backend:    backend,
		metrics:    metrics,
		log:        log,
		interval:   cfg.PollInterval,
		limiter:    rate.NewLimiter(rate.Every(cfg.MinFetchGap), 1),
		now:        now,
		foreground: true,
	}
}

// start binds the poller to a session and starts the interval ticker.
func (p *poller) start(ctx context.Context, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tickCtx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.gen = gen
	p.stopTicker = cancel
	p.current = nil
	p.owed = false
	if p.interval > 0 {
		go p.tickLoop(tickCtx, gen)
	}
}

// stop detaches the poller from its session. In-flight fetches are cancelled
// through the session context and their results discarded by generation.
func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopTicker != nil {
		p.stopTicker()
		p.stopTicker = nil
	}
	p.ctx = nil
	p.gen = 0
	p.current = nil
	p.owed = false
}

// wait blocks until every fetch started so far has returned.
func (p *poller) wait() { p.fetches.Wait() }

func (p *poller) setForeground(fg bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.foreground = fg
}

func (p *poller) tickLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			fg := p.foreground
			p.mu.Unlock()
			if !fg {
				continue
			}
			if p.onTick != nil {
				p.onTick(gen)
			}
			p.trigger(TriggerInterval)
		}
	}
}

// trigger starts a fetch unless one is in flight. It returns the flight
// that will carry the trigger's data (the running one when skipped), or nil
// without a session.
func (p *poller) trigger(t Trigger) *flight {
	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		return nil
	}
	if f := p.current; f != nil {
		if t == TriggerConnect || t == TriggerResubscribe {
			p.owed = true
		}
		p.mu.Unlock()
		p.metrics.reconciliation(t, "skipped", 0)
		p.log.Debug().Str("trigger", string(t)).Str("running", string(f.trigger)).Msg("fetch in flight, trigger skipped")
		return f
	}
	f := &flight{trigger: t, done: make(chan struct{})}
	p.current = f
	ctx, gen := p.ctx, p.gen
	p.fetches.Add(1)
	p.mu.Unlock()

	go p.run(ctx, gen, f)
	return f
}

func (p *poller) run(ctx context.Context, gen uint64, f *flight) {
	defer p.fetches.Done()
	f.err = p.fetch(ctx, gen, f.trigger)

	p.mu.Lock()
	if p.current == f {
		p.current = nil
	}
	owed := p.owed && p.gen == gen
	p.owed = false
	p.mu.Unlock()
	close(f.done)

	if owed && p.store.isConnected() && !p.store.hasBaseline() {
		p.trigger(TriggerConnect)
	}
}

// fetch loads both feeds and replaces state with whatever arrived. A feed
// that failed keeps its current state until the next fetch.
func (p *poller) fetch(ctx context.Context, gen uint64, t Trigger) error {
	if err := p.limiter.Wait(ctx); err != nil {
		p.metrics.reconciliation(t, "cancelled", 0)
		return err
	}
	seq, ok := p.store.beginFetch(gen)
	if !ok {
		p.metrics.reconciliation(t, "stale", 0)
		return &SessionRaceError{Op: "reconcile", Session: gen, Current: p.store.current()}
	}
	started := p.now()

	var notifs *[]Notification
	var convs *[]ConversationState
	var errs []error
	if list, err := p.backend.FetchNotifications(ctx); err != nil {
		errs = append(errs, err)
	} else {
		notifs = &list
	}
	if list, err := p.backend.FetchConversations(ctx); err != nil {
		errs = append(errs, err)
	} else {
		convs = &list
	}
	fetchErr := errors.Join(errs...)

	if notifs == nil && convs == nil {
		p.store.endFetch(gen)
		if ctx.Err() != nil {
			p.metrics.reconciliation(t, "cancelled", 0)
			return ctx.Err()
		}
		p.metrics.reconciliation(t, "error", p.now().Sub(started))
		p.log.Warn().Err(fetchErr).Str("trigger", string(t)).Msg("reconciliation failed")
		return fetchErr
	}

	if err := p.store.replace(gen, seq, notifs, convs); err != nil {
		p.metrics.reconciliation(t, "stale", 0)
		p.log.Debug().Err(err).Str("trigger", string(t)).Msg("discarding fetch of ended session")
		return err
	}
	took := p.now().Sub(started)
	if fetchErr != nil {
		p.metrics.reconciliation(t, "partial", took)
		p.log.Warn().Err(fetchErr).Str("trigger", string(t)).Msg("reconciliation partially failed")
		return fetchErr
	}
	p.metrics.reconciliation(t, "ok", took)
	p.log.Debug().Str("trigger", string(t)).Dur("took", took).Msg("reconciled")
	return nil
}
