package marketsync

import (
	"errors"
	"fmt"
)

// ErrStaleSession is matched by every SessionRaceError.
var ErrStaleSession = errors.New("result belongs to a previous session")

// ErrAuthRetriesExhausted is returned by the session loader when the cached
// credential was rejected more times than the retry policy allows.
var ErrAuthRetriesExhausted = errors.New("authentication retries exhausted")

// ErrNoSession is returned by dispatchers called while logged out.
var ErrNoSession = errors.New("no active session")

// TransportError reports a subscribe or connect failure. It is recovered
// locally by the poller fallback and only surfaces as Connected=false.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport: channel %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BackendRequestError reports a failed backend call.
type BackendRequestError struct {
	Op  string
	Err error
}

func (e *BackendRequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendRequestError) Unwrap() error { return e.Err }

// MalformedEventError reports a push payload that could not be normalized.
type MalformedEventError struct {
	Event  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %s", e.Event, e.Reason)
}

// SessionRaceError reports a result that resolved after its session ended.
type SessionRaceError struct {
	Op      string
	Session uint64
	Current uint64
}

func (e *SessionRaceError) Error() string {
	return fmt.Sprintf("%s: session %d superseded by %d", e.Op, e.Session, e.Current)
}

func (e *SessionRaceError) Is(target error) bool { return target == ErrStaleSession }

// isAuthError reports whether err carries a credential rejection.
func isAuthError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsAuth() {
		return apiErr, true
	}
	return nil, false
}
