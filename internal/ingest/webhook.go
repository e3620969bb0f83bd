package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/state"
)

// Push is one inbound channel change as received: both parts are text
// taken from a query string, JSON body or MQTT payload.
type Push struct {
	Channel string
	Value   string

	// Origin tags the transport. Zero means state.OriginWebhook.
	Origin state.Origin
}

// Webhook applies pushed channel changes with no relay round-trip.
type Webhook struct {
	deviceID string
	channels *channel.Map
	applier  Applier
	logger   Logger
}

// NewWebhook creates the webhook adapter for deviceID.
func NewWebhook(deviceID string, channels *channel.Map, applier Applier) *Webhook {
	return &Webhook{
		deviceID: deviceID,
		channels: channels,
		applier:  applier,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the adapter.
func (w *Webhook) SetLogger(logger Logger) {
	w.logger = logger
}

// Ingest coerces p into a single update and applies it. A missing channel
// or value, an unknown channel, or a value that is not an integer in the
// channel's domain is rejected with ErrValidation before anything is
// written. A push the applier drops is also ErrValidation, never success.
func (w *Webhook) Ingest(ctx context.Context, p Push) (state.AppliedResult, error) {
	origin := p.Origin
	if origin == "" {
		origin = state.OriginWebhook
	}

	ch, v, err := w.coerce(p)
	if err != nil {
		w.logger.Warn("push rejected",
			"device_id", w.deviceID, "origin", origin, "channel", p.Channel, "error", err)
		return state.AppliedResult{}, err
	}

	res, err := w.applier.Apply(ctx, w.deviceID, origin, []state.Update{state.IntUpdate(ch.Field, v)})
	if err != nil {
		return res, err
	}
	if err := notWritten(res); err != nil {
		w.logger.Warn("push not recorded",
			"device_id", w.deviceID, "origin", origin, "channel", ch.ID, "error", err)
		return res, err
	}
	return res, nil
}

func (w *Webhook) coerce(p Push) (channel.Channel, int64, error) {
	if strings.TrimSpace(p.Channel) == "" || strings.TrimSpace(p.Value) == "" {
		return channel.Channel{}, 0, fmt.Errorf("%w: missing pin or value", ErrValidation)
	}
	ch, err := w.channels.Lookup(p.Channel)
	if err != nil {
		return channel.Channel{}, 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	v, err := channel.ParseValue(p.Value)
	if err != nil {
		return ch, 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := ch.Check(v); err != nil {
		return ch, 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return ch, v, nil
}
