package relay

import (
	"context"
	"time"
)

// Client reads and writes relay channels.
type Client interface {
	// Get returns the relay's last known value for channelID.
	Get(ctx context.Context, channelID string) (int64, error)

	// Set pushes value to channelID. A nil error means the relay
	// acknowledged the write.
	Set(ctx context.Context, channelID string, value int64) error
}

// Operation names passed to an Observer.
const (
	OpGet = "get"
	OpSet = "set"
)

// Observer is notified after every relay call. The metrics package
// implements it.
type Observer interface {
	ObserveRelayCall(op string, err error, elapsed time.Duration)
}

// Logger defines the logging interface used by the relay package.
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
