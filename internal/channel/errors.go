package channel

import "errors"

// Domain errors for the channel package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, channel.ErrNotFound) {
//	    // unknown pin
//	}
var (
	// ErrNotFound is returned when an identifier does not resolve to a channel.
	ErrNotFound = errors.New("channel: not found")

	// ErrInvalidChannel is returned when a channel definition is malformed.
	ErrInvalidChannel = errors.New("channel: invalid definition")

	// ErrDuplicateChannel is returned when two channels share an identifier.
	ErrDuplicateChannel = errors.New("channel: duplicate identifier")

	// ErrInvalidValue is returned when a value is missing, non-numeric,
	// non-finite or not an integer.
	ErrInvalidValue = errors.New("channel: invalid value")

	// ErrOutOfDomain is returned when an integer value lies outside the
	// channel's domain.
	ErrOutOfDomain = errors.New("channel: value out of domain")
)
