package state

import "errors"

// Domain errors for the state package.
var (
	// ErrRecordNotFound is returned by Store.Get when no record exists for
	// the device. The Reader turns it into the default record.
	ErrRecordNotFound = errors.New("state: record not found")

	// ErrStoreFailure wraps any failure of the underlying store. Adapters
	// propagate it unchanged; the API maps it to a server error.
	ErrStoreFailure = errors.New("state: store failure")

	// ErrInvalidDeviceID is returned when a device identifier is empty.
	ErrInvalidDeviceID = errors.New("state: invalid device id")
)
