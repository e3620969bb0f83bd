package relay

import "errors"

var (
	// ErrUnavailable is returned when the relay cannot be reached or does
	// not answer before the call's timeout.
	ErrUnavailable = errors.New("relay: unavailable")

	// ErrRejected is returned when the relay answers with a non-success status.
	ErrRejected = errors.New("relay: request rejected")

	// ErrInvalidValue is returned when a read succeeds but the body is not
	// an integer.
	ErrInvalidValue = errors.New("relay: invalid value")
)
