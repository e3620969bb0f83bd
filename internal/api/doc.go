// Package api implements the HTTP REST API and WebSocket feed for pumpcore.
//
// Routes live under /api/v1:
//   - /device/state, /device/summary: the read path
//   - /device/control: relay-first user commands
//   - /device/sync: pull every channel from the relay and reconcile
//   - /webhook: relay push ingress
//   - /ws: device.state_changed events for every committed batch
//   - /metrics, /metrics/prometheus: system figures
//
// Handlers are thin: they decode input, call the ingest adapters or the
// state reader, and map ingest.ErrValidation, ingest.ErrRelay and
// state.ErrStoreFailure to 400, 502 and 500 respectively.
//
// The server needs no MQTT broker or metrics registry. Routes and response
// sections for those components are left out when they are not configured.
package api
