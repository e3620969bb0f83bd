package ingest

import (
	"context"
	"fmt"

	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/relay"
	"github.com/digiblynk/pumpcore/internal/state"
)

// Control applies user commands: relay first, then the local record.
type Control struct {
	deviceID string
	channels *channel.Map
	relay    relay.Client
	applier  Applier
	logger   Logger
}

// NewControl creates the control adapter for deviceID.
func NewControl(deviceID string, channels *channel.Map, rc relay.Client, applier Applier) *Control {
	return &Control{
		deviceID: deviceID,
		channels: channels,
		relay:    rc,
		applier:  applier,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the adapter.
func (c *Control) SetLogger(logger Logger) {
	c.logger = logger
}

// Submit writes value to channelID on the relay and, only if the relay
// acknowledged it, records it locally.
//
// Errors:
//   - ErrValidation if channelID is unknown or value is outside its domain
//   - ErrRelay if the relay write failed; the record is untouched
//   - state.ErrStoreFailure if the relay accepted the write but the local
//     upsert failed
//   - ErrValidation if the relay accepted the write but the applier
//     dropped the update
func (c *Control) Submit(ctx context.Context, channelID string, value int64) (state.AppliedResult, error) {
	ch, err := c.channels.Lookup(channelID)
	if err != nil {
		return state.AppliedResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := ch.Check(value); err != nil {
		return state.AppliedResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := c.relay.Set(ctx, ch.ID, value); err != nil {
		c.logger.Warn("control aborted, relay write failed",
			"device_id", c.deviceID, "channel", ch.ID, "value", value, "error", err)
		return state.AppliedResult{}, fmt.Errorf("%w: %w", ErrRelay, err)
	}

	res, err := c.applier.Apply(ctx, c.deviceID, state.OriginControl,
		[]state.Update{state.IntUpdate(ch.Field, value)})
	if err != nil {
		c.logger.Error("relay accepted control but local record not updated",
			"device_id", c.deviceID, "channel", ch.ID, "value", value, "error", err)
		return res, err
	}
	if err := notWritten(res); err != nil {
		c.logger.Error("relay accepted control but the update was dropped",
			"device_id", c.deviceID, "channel", ch.ID, "value", value, "error", err)
		return res, err
	}
	return res, nil
}
