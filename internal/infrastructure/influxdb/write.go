package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/state"
)

// Measurement names.
const (
	MeasurementApply    = "pumpcore_apply"
	MeasurementPollSync = "pumpcore_poll_sync"
)

// OnApplied writes one apply point per committed batch. It never blocks,
// so it can be registered with state.Reconciler.OnApplied.
func (c *Client) OnApplied(_ context.Context, result state.AppliedResult) {
	if !result.Written() {
		return
	}
	c.write(applyPoint(result))
}

// WriteSync writes one poll-sync point with the read and failure counts.
func (c *Client) WriteSync(deviceID string, result ingest.SyncResult) {
	c.write(syncPoint(deviceID, result, time.Now()))
}

func applyPoint(result state.AppliedResult) *write.Point {
	ts := time.Now()
	if result.LastUpdated != nil {
		ts = *result.LastUpdated
	}
	return write.NewPoint(
		MeasurementApply,
		map[string]string{
			"device_id": result.DeviceID,
			"origin":    string(result.Origin),
		},
		map[string]any{
			"fields_written": len(result.Fields),
			"fields_changed": len(result.Changed),
			"dropped":        len(result.Dropped),
		},
		ts,
	)
}

func syncPoint(deviceID string, result ingest.SyncResult, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementPollSync,
		map[string]string{
			"device_id": deviceID,
			"outcome":   string(result.Outcome),
		},
		map[string]any{
			"read":   len(result.Values),
			"failed": len(result.Failed),
		},
		ts,
	)
}
