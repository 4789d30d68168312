package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited rejects a connection attempt that exceeded the session's
	// admission quota for the current window.
	ErrRateLimited = errors.New("rate limited")
	// ErrTooManyConnections rejects a connection attempt that would exceed the
	// per-user cap on simultaneous streams.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrSessionNotFound reports a session unknown to the directory or the
	// registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnectionClosed is returned when reading from or offering to a
	// connection that has been removed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBusUnavailable reports that the cross-instance bus could not be
	// reached. Local delivery is unaffected.
	ErrBusUnavailable = errors.New("bus unavailable")
	// ErrSerialization wraps encode/decode failures of messages or payloads.
	ErrSerialization = errors.New("serialization failed")
	ErrInternal      = errors.New("internal error")
)

// RejectedError is the typed admission failure returned to a connecting
// client. Reason is one of ErrRateLimited or ErrTooManyConnections.
type RejectedError struct {
	SessionID string
	UserID    string
	Reason    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected for session %q: %v", e.SessionID, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// IsRejection reports whether err is an admission rejection.
func IsRejection(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}
