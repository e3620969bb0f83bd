package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/infrastructure/config"
	"github.com/digiblynk/pumpcore/internal/infrastructure/logging"
	"github.com/digiblynk/pumpcore/internal/infrastructure/metrics"
	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/relay"
	"github.com/digiblynk/pumpcore/internal/state"
)

const testDevice = "water-controller"

// failingStore fails every Upsert once armed.
type failingStore struct {
	*state.MemoryStore
	fail bool
}

func (f *failingStore) Upsert(ctx context.Context, deviceID string, set map[string]int64, at time.Time) (*state.Record, error) {
	if f.fail {
		return nil, errors.New("disk full")
	}
	return f.MemoryStore.Upsert(ctx, deviceID, set, at)
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	relay   *relay.Fake
	store   *failingStore
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
	channels := channel.Default()
	store := &failingStore{MemoryStore: state.NewMemoryStore()}
	rc := relay.NewFake()
	m := metrics.New()

	reconciler := state.NewReconciler(channels, store)
	reconciler.SetRecorder(m)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:      "127.0.0.1",
			PublicURL: "https://pump.example.com/",
			Timeouts:  config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   log,
		DeviceID: testDevice,
		Channels: channels,
		Reader:   state.NewReader(channels, store),
		Control:  ingest.NewControl(testDevice, channels, rc, reconciler),
		Sync:     ingest.NewPollSync(testDevice, channels, rc, reconciler),
		Webhook:  ingest.NewWebhook(testDevice, channels, reconciler),
		Notifier: reconciler,
		Metrics:  m,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{srv: srv, handler: srv.buildRouter(), relay: rc, store: store, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decoding %q: %v", method, target, rec.Body.String(), err)
	}
	return rec, out
}

func (e *testEnv) state(t *testing.T) map[string]any {
	t.Helper()
	rec, out := e.do(t, http.MethodGet, "/api/v1/device/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET state status = %d", rec.Code)
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("New(Deps{}) should fail")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec, out := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out["status"] != "ok" || out["device_id"] != testDevice {
		t.Errorf("body = %v", out)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestGetState_Default(t *testing.T) {
	env := newTestEnv(t)
	out := env.state(t)

	for _, f := range []string{"v0", "v1", "v2", "v3"} {
		if out[f] != float64(0) {
			t.Errorf("%s = %v, want 0", f, out[f])
		}
	}
	if v, ok := out["last_updated"]; !ok || v != nil {
		t.Errorf("last_updated = %v (present %v), want null", v, ok)
	}
	if out["device_id"] != testDevice {
		t.Errorf("device_id = %v", out["device_id"])
	}
}

func TestGetState_OtherDevice(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/webhook?pin=V0&value=1", "")

	_, out := env.do(t, http.MethodGet, "/api/v1/device/state?device_id=spare-tank", "")
	if out["device_id"] != "spare-tank" || out["v0"] != float64(0) {
		t.Errorf("other device state = %v, want default", out)
	}
}

func TestControl(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"number", `{"pin":"V0","value":1}`, 1},
		{"string", `{"pin":"v0","value":"1"}`, 1},
		{"float integer", `{"pin":"V0","value":1.0}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec, out := env.do(t, http.MethodPost, "/api/v1/device/control", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %v", rec.Code, out)
			}
			if out["success"] != true {
				t.Errorf("success = %v", out["success"])
			}
			sets := env.relay.Sets()
			if len(sets) != 1 || sets[0].Value != tt.want {
				t.Errorf("relay sets = %+v", sets)
			}
			if got := env.state(t)["v0"]; got != float64(tt.want) {
				t.Errorf("v0 = %v, want %d", got, tt.want)
			}
		})
	}
}

func TestControl_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing value", `{"pin":"V0"}`},
		{"null value", `{"pin":"V0","value":null}`},
		{"missing pin", `{"value":1}`},
		{"unknown pin", `{"pin":"V9","value":1}`},
		{"out of domain", `{"pin":"V0","value":2}`},
		{"not numeric", `{"pin":"V0","value":"on"}`},
		{"fractional", `{"pin":"V0","value":0.5}`},
		{"bad json", `{"pin":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec, out := env.do(t, http.MethodPost, "/api/v1/device/control", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %v)", rec.Code, out)
			}
			if len(env.relay.Sets()) != 0 {
				t.Error("relay should not be called on invalid input")
			}
		})
	}
}

func TestControl_RelayFailure(t *testing.T) {
	env := newTestEnv(t)
	env.relay.FailSet(relay.ErrUnavailable)

	rec, out := env.do(t, http.MethodPost, "/api/v1/device/control", `{"pin":"V0","value":1}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if out["code"] != ErrCodeRelay {
		t.Errorf("code = %v", out["code"])
	}
	if st := env.state(t); st["last_updated"] != nil {
		t.Errorf("state written despite relay failure: %v", st)
	}
}

func TestControl_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.fail = true

	rec, out := env.do(t, http.MethodPost, "/api/v1/device/control", `{"pin":"V0","value":1}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if out["code"] != ErrCodeStore {
		t.Errorf("code = %v", out["code"])
	}
}

func TestSync_PartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.relay.SetRaw("V0", "1")
	env.relay.SetRaw("V2", `["1"]`)
	env.relay.SetRaw("V3", "0")
	env.relay.FailGet("V1", relay.ErrUnavailable)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec, out := env.do(t, method, "/api/v1/device/sync", "")
		if rec.Code != http.StatusOK || out["success"] != true {
			t.Fatalf("%s: status = %d, body = %v", method, rec.Code, out)
		}
		updates, _ := out["updates"].(map[string]any)
		if len(updates) != 3 || updates["v0"] != float64(1) || updates["v2"] != float64(1) {
			t.Errorf("%s: updates = %v", method, updates)
		}
		if _, ok := updates["v1"]; ok {
			t.Errorf("%s: failed channel v1 in updates", method)
		}
		failed, _ := out["failed"].(map[string]any)
		if _, ok := failed["V1"]; !ok {
			t.Errorf("%s: failed = %v, want V1", method, failed)
		}
	}

	st := env.state(t)
	if st["v0"] != float64(1) || st["v2"] != float64(1) || st["v1"] != float64(0) {
		t.Errorf("state after sync = %v", st)
	}
}

func TestSync_NoData(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.do(t, http.MethodGet, "/api/v1/device/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out["success"] != false || out["message"] != "No data fetched" {
		t.Errorf("body = %v", out)
	}
}

func TestSync_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.relay.SetRaw("V0", "1")
	env.store.fail = true

	rec, _ := env.do(t, http.MethodPost, "/api/v1/device/sync", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestWebhook_Query(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.do(t, http.MethodGet, "/api/v1/webhook?pin=V2&value=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, out)
	}
	if out["updated"] != "v2" || out["value"] != float64(1) {
		t.Errorf("body = %v", out)
	}
	if changed, _ := out["changed"].([]any); len(changed) != 1 || changed[0] != "v2" {
		t.Errorf("changed = %v", out["changed"])
	}

	// Same value again: written but not changed.
	_, out = env.do(t, http.MethodGet, "/api/v1/webhook?pin=V2&value=1", "")
	if changed, _ := out["changed"].([]any); len(changed) != 0 {
		t.Errorf("changed on repeat = %v, want empty", out["changed"])
	}
	if len(env.relay.Sets()) != 0 {
		t.Error("webhook must not call the relay")
	}
}

func TestGetState_UnwrittenFieldsReadZero(t *testing.T) {
	env := newTestEnv(t)

	if rec, out := env.do(t, http.MethodGet, "/api/v1/webhook?pin=V2&value=1", ""); rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body = %v", rec.Code, out)
	}

	st := env.state(t)
	want := map[string]float64{"v0": 0, "v1": 0, "v2": 1, "v3": 0}
	for field, v := range want {
		if got, ok := st[field]; !ok || got != v {
			t.Errorf("state[%s] = %v (present %v), want %v", field, got, ok, v)
		}
	}
	if st["last_updated"] == nil {
		t.Error("last_updated should be set after a write")
	}
}

func TestWebhook_JSONBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"number", `{"pin":"V1","value":1}`},
		{"string", `{"pin":"V1","value":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec, out := env.do(t, http.MethodPost, "/api/v1/webhook", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %v", rec.Code, out)
			}
			if got := env.state(t)["v1"]; got != float64(1) {
				t.Errorf("v1 = %v, want 1", got)
			}
		})
	}
}

func TestWebhook_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"no input", "/api/v1/webhook", ""},
		{"missing value", "/api/v1/webhook?pin=V0", ""},
		{"unknown pin", "/api/v1/webhook?pin=V7&value=1", ""},
		{"not numeric", "/api/v1/webhook?pin=V0&value=abc", ""},
		{"malformed body", "/api/v1/webhook", `{"pin":"V0",`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			method := http.MethodGet
			if tt.body != "" {
				method = http.MethodPost
			}
			rec, _ := env.do(t, method, tt.target, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if st := env.state(t); st["last_updated"] != nil {
				t.Error("state written on invalid push")
			}
		})
	}
}

func TestWebhook_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.fail = true

	rec, _ := env.do(t, http.MethodGet, "/api/v1/webhook?pin=V0&value=1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name      string
		pushes    []string
		wantMotor string
		wantLevel float64
	}{
		{"empty tank", nil, "off", levelLow},
		{"bottom float", []string{"pin=V1&value=1"}, "off", levelMid},
		{"full", []string{"pin=V1&value=1", "pin=V2&value=1", "pin=V0&value=1"}, "on", levelFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			for _, q := range tt.pushes {
				env.do(t, http.MethodGet, "/api/v1/webhook?"+q, "")
			}
			rec, out := env.do(t, http.MethodGet, "/api/v1/device/summary", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if out["motor"] != tt.wantMotor {
				t.Errorf("motor = %v, want %s", out["motor"], tt.wantMotor)
			}
			if out["tank_level_percent"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", out["tank_level_percent"], tt.wantLevel)
			}
		})
	}
}

func TestWebhookURLs(t *testing.T) {
	env := newTestEnv(t)
	rec, out := env.do(t, http.MethodGet, "/api/v1/webhook/urls", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	hooks, _ := out["webhooks"].([]any)
	if len(hooks) != 4 {
		t.Fatalf("webhooks = %v, want 4 entries", hooks)
	}
	first, _ := hooks[0].(map[string]any)
	want := "https://pump.example.com/api/v1/webhook?pin=V0&value={value}"
	if first["url"] != want {
		t.Errorf("url = %v, want %s", first["url"], want)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/webhook?pin=V0&value=1", "")

	rec, out := env.do(t, http.MethodGet, "/api/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	recon, _ := out["reconciler"].(map[string]any)
	if recon["applies"] != float64(1) || recon["written"] != float64(1) {
		t.Errorf("reconciler = %v", recon)
	}
	if _, ok := out["mqtt"]; ok {
		t.Error("mqtt section should be omitted without a bridge")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/prometheus", nil)
	prom := httptest.NewRecorder()
	env.handler.ServeHTTP(prom, req)
	if prom.Code != http.StatusOK {
		t.Fatalf("prometheus status = %d", prom.Code)
	}
	if !strings.Contains(prom.Body.String(), "pumpcore_reconciler_applies_total") {
		t.Error("prometheus exposition missing reconciler counter")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/device/state", nil)
	req.Header.Set("Origin", "http://panel.local")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent && rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Errorf("Vary = %q, want Origin", rec.Header().Get("Vary"))
	}
}

func TestWebSocket_StateChanged(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{EventStateChanged}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	res, err := http.Post(ts.URL+"/api/v1/webhook", "application/json", bytes.NewBufferString(`{"pin":"V3","value":1}`))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	res.Body.Close()

	var event struct {
		Type      string              `json:"type"`
		EventType string              `json:"event_type"`
		Payload   state.AppliedResult `json:"payload"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != EventStateChanged {
		t.Fatalf("event = %+v", event)
	}
	if event.Payload.Origin != state.OriginWebhook || event.Payload.Record.Value("v3") != 1 {
		t.Errorf("payload = %+v", event.Payload)
	}
	if env.srv.Hub().ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", env.srv.Hub().ClientCount())
	}
}

func TestClose_NotStarted(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() on unstarted server = %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail before Start")
	}
}

func TestStart_EphemeralPort(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer env.srv.Close() //nolint:errcheck // test cleanup

	addr := env.srv.Addr()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Addr() = %q, want the bound port", addr)
	}

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start = %v", err)
	}
}
