package marketsync

import "time"

// reconnector schedules transport reconnects. The attempt counter resets once
// a connection has stayed up for stableAfter.
type reconnector struct {
	backoff     Backoff
	maxAttempts int
	stableAfter time.Duration
	now         func() time.Time

	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		backoff: ExponentialBackoff{
			Initial:    cfg.ReconnectBaseDelay,
			Max:        cfg.ReconnectMaxDelay,
			Multiplier: 2,
			Jitter:     0.5,
		},
		maxAttempts: cfg.MaxReconnectAttempts,
		stableAfter: 60 * time.Second,
		now:         time.Now,
	}
}

// shouldReconnect reports whether another attempt is allowed. A connection
// that stayed up for stableAfter clears the earlier attempts first.
func (r *reconnector) shouldReconnect() bool {
	r.forgetIfStable()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.now()
}

func (r *reconnector) nextDelay() time.Duration {
	r.forgetIfStable()
	r.attempt++
	return r.backoff.Delay(r.attempt)
}

func (r *reconnector) forgetIfStable() {
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > r.stableAfter {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
