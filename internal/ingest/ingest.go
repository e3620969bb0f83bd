package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/digiblynk/pumpcore/internal/state"
)

var (
	// ErrValidation marks a client error: unknown channel, missing or
	// non-numeric value, or a value outside the channel domain.
	ErrValidation = errors.New("ingest: validation failed")

	// ErrRelay marks a failed relay call. It wraps relay.ErrUnavailable,
	// relay.ErrRejected or relay.ErrInvalidValue.
	ErrRelay = errors.New("ingest: relay failure")
)

// notWritten turns a batch the applier dropped entirely into ErrValidation.
func notWritten(res state.AppliedResult) error {
	if res.Written() {
		return nil
	}
	reason := "no update accepted"
	if len(res.Dropped) > 0 {
		reason = res.Dropped[0].Reason
	}
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// Applier accepts update batches. *state.Reconciler implements it.
type Applier interface {
	Apply(ctx context.Context, deviceID string, origin state.Origin, updates []state.Update) (state.AppliedResult, error)
}

// Logger defines the logging interface used by the ingest package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
