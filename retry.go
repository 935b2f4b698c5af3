package marketsync

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before retry number attempt (starting at 1).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same duration before every retry.
type FixedBackoff time.Duration

func (b FixedBackoff) Delay(int) time.Duration { return time.Duration(b) }

// ExponentialBackoff doubles (by Multiplier) from Initial up to Max and adds
// up to Jitter*Initial of random spread.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Jitter > 0 {
		d += rand.Float64() * float64(b.Initial) * b.Jitter
	}
	if b.Max > 0 {
		d = math.Min(d, float64(b.Max))
	}
	return time.Duration(d)
}

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryPolicy allows three attempts half a second, then a second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Multiplier: 2},
	}
}

func (p *RetryPolicy) defaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff == nil {
		p.Backoff = DefaultRetryPolicy().Backoff
	}
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
