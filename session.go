package marketsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AuthSink receives session lifecycle transitions. *Engine implements it.
type AuthSink interface {
	OnAuthEstablished(id Identity)
	OnAuthCleared()
}

// SessionLoader turns a cached credential into a session. Repeated
// credential rejections beyond the retry budget force a logout instead of
// retrying forever.
type SessionLoader struct {
	Fetcher IdentityFetcher
	Sink    AuthSink
	Policy  RetryPolicy
	// ClearCredentials drops the cached credential. It runs before the sink
	// is told the session is gone.
	ClearCredentials func() error
	Log              zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Load resolves the identity behind token and establishes a session for it.
//
// Transient failures are retried and, once the budget is spent, returned
// as is. When the last failure was a credential rejection the credential is
// cleared, the sink is cleared and the error wraps ErrAuthRetriesExhausted.
// A remainingAttempts hint from the server can shrink the budget.
func (l *SessionLoader) Load(ctx context.Context, token string) (*Identity, error) {
	policy := l.Policy
	policy.defaults()
	sleep := l.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	budget := policy.MaxAttempts
	for attempt := 1; ; attempt++ {
		id, err := l.Fetcher.Me(ctx)
		if err == nil {
			ident := *id
			ident.Token = token
			l.Log.Info().Str("user", ident.UserID).Int("attempt", attempt).Msg("session loaded")
			if l.Sink != nil {
				l.Sink.OnAuthEstablished(ident)
			}
			return &ident, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		apiErr, auth := isAuthError(err)
		if auth && apiErr.RemainingAttempts != nil && attempt+*apiErr.RemainingAttempts < budget {
			budget = attempt + *apiErr.RemainingAttempts
		}
		if attempt >= budget {
			if auth {
				return nil, l.forceLogout(err, attempt)
			}
			return nil, fmt.Errorf("load session after %d attempts: %w", attempt, err)
		}

		delay := policy.Backoff.Delay(attempt)
		l.Log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("loading session failed")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (l *SessionLoader) forceLogout(cause error, attempts int) error {
	l.Log.Error().Err(cause).Int("attempts", attempts).Msg("credential rejected, forcing logout")
	if l.ClearCredentials != nil {
		if err := l.ClearCredentials(); err != nil {
			l.Log.Error().Err(err).Msg("clearing credentials failed")
		}
	}
	if l.Sink != nil {
		l.Sink.OnAuthCleared()
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAuthRetriesExhausted, attempts, cause)
}
