package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/state"
)

// Tank level percentages reported by the summary view.
const (
	levelFull = 100
	levelMid  = 60
	levelLow  = 10
)

// stateResponse flattens a record: one key per channel field plus
// device_id and last_updated (null on the default record). A field never
// written reads 0, the same as one written to 0. Stored fields outside the
// channel map are kept.
func stateResponse(channels *channel.Map, rec state.Record) map[string]any {
	out := make(map[string]any, channels.Len()+len(rec.Fields)+2)
	for _, f := range channels.Fields() {
		out[f] = rec.Value(f)
	}
	for f, v := range rec.Fields {
		out[f] = v
	}
	out["device_id"] = rec.DeviceID
	if rec.LastUpdated != nil {
		out["last_updated"] = rec.LastUpdated.UTC().Format(time.RFC3339Nano)
	} else {
		out["last_updated"] = nil
	}
	return out
}

// deviceIDFrom returns the ?device_id= query parameter or the configured device.
func (s *Server) deviceIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("device_id")); id != "" {
		return id
	}
	return s.deviceID
}

// handleGetState returns the current record, or the default record if the
// device has never been written.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.Get(r.Context(), s.deviceIDFrom(r))
	if err != nil {
		s.logger.Error("reading state failed", "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(s.channels, rec))
}

// summaryResponse is the derived dashboard view.
type summaryResponse struct {
	DeviceID    string  `json:"device_id"`
	Motor       *string `json:"motor,omitempty"`
	TankLevel   *int    `json:"tank_level_percent,omitempty"`
	Status      *int64  `json:"status,omitempty"`
	LastUpdated *string `json:"last_updated"`
}

// handleSummary derives motor on/off and a coarse tank level from the
// float switches. Parts whose channels are not in the map are omitted.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reader.Get(r.Context(), s.deviceIDFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(s.channels, rec))
}

func summarize(channels *channel.Map, rec state.Record) summaryResponse {
	out := summaryResponse{DeviceID: rec.DeviceID}
	if rec.LastUpdated != nil {
		ts := rec.LastUpdated.UTC().Format(time.RFC3339Nano)
		out.LastUpdated = &ts
	}

	if ch, ok := channels.ByName("motor"); ok {
		motor := "off"
		if rec.Value(ch.Field) != 0 {
			motor = "on"
		}
		out.Motor = &motor
	}

	top, hasTop := channels.ByName("top_float")
	bottom, hasBottom := channels.ByName("bottom_float")
	if hasTop || hasBottom {
		level := levelLow
		switch {
		case hasTop && rec.Value(top.Field) == 1:
			level = levelFull
		case hasBottom && rec.Value(bottom.Field) == 1:
			level = levelMid
		}
		out.TankLevel = &level
	}

	if ch, ok := channels.ByName("status"); ok {
		v := rec.Value(ch.Field)
		out.Status = &v
	}
	return out
}

// controlRequest is the POST /device/control body. Value may be a JSON
// number or a numeric string.
type controlRequest struct {
	Pin   string          `json:"pin"`
	Value json.RawMessage `json:"value"`
}

// handleControl writes a value to the relay and, only on success, to the
// local record.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	raw := rawValue(req.Value)
	if strings.TrimSpace(req.Pin) == "" || raw == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "missing pin or value")
		return
	}
	value, err := channel.ParseValue(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	res, err := s.control.Submit(r.Context(), req.Pin, value)
	if err != nil {
		s.logger.Warn("control failed", "pin", req.Pin, "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"changed": nonNil(res.Changed),
		"state":   stateResponse(s.channels, res.Record),
	})
}

// handleSync pulls every channel from the relay and applies what was read.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.sync.Run(r.Context())
	if err != nil {
		s.logger.Error("poll-sync failed", "error", err)
		writeServiceError(w, err)
		return
	}

	if res.Outcome == ingest.SyncNoData {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "No data fetched",
			"failed":  res.Failed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updates": res.Values,
		"changed": nonNil(res.Applied.Changed),
		"failed":  res.Failed,
	})
}

// rawValue turns a JSON value into the text ParseValue expects. null and
// absent values become "".
func rawValue(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	return string(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
