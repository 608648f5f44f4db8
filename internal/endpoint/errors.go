package endpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a pending operation receives no relay
	// response within its deadline. The operation slot is cleared; a late
	// response has no effect.
	ErrTimeout = errors.New("operation timed out")

	// ErrOperationPending is returned when a second operation is attempted
	// while one is outstanding. A new request never silently replaces an
	// unresolved one.
	ErrOperationPending = errors.New("operation already pending")

	// ErrNotIdle is returned when a start or connect is attempted on a
	// session that already holds a role.
	ErrNotIdle = errors.New("session not idle")

	// ErrStopped is returned to waiters when the session is explicitly
	// stopped while their operation is in flight.
	ErrStopped = errors.New("session stopped")

	// ErrRelayLost is returned when the relay connection drops while an
	// operation is in flight. For the client role a relay loss is terminal;
	// the gateway role retries the relay connection on a fixed delay.
	ErrRelayLost = errors.New("relay connection lost")
)

// RejectedError carries the relay's rejection reason for a connect request.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected: %s", e.Reason)
}

// RegistrationError carries the relay's error response to a gateway
// registration (typically a duplicate id).
type RegistrationError struct {
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed: %s", e.Message)
}
