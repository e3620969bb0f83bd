package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/digiblynk/pumpcore/internal/infrastructure/config"
	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/state"
)

// influxServer answers /ping and records line protocol posted to
// /api/v2/write.
type influxServer struct {
	*httptest.Server

	mu      sync.Mutex
	healthy bool
	lines   []string
}

func newInfluxServer(t *testing.T) *influxServer {
	t.Helper()
	s := &influxServer{healthy: true}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			s.mu.Lock()
			healthy := s.healthy
			s.mu.Unlock()
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.lines = append(s.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *influxServer) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "pumpcore-test-token",
		Org:           "pumpcore",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := newInfluxServer(t)
	url := srv.URL
	srv.Close()

	if _, err := Connect(testConfig(url)); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_HealthCheckAndClose(t *testing.T) {
	srv := newInfluxServer(t)

	client, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
	client.Flush()
}

func TestOnApplied_WritesPoint(t *testing.T) {
	srv := newInfluxServer(t)
	client, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.OnApplied(context.Background(), state.AppliedResult{
		DeviceID:    "water-controller",
		Origin:      state.OriginWebhook,
		Fields:      []string{"v1"},
		Values:      map[string]int64{"v1": 1},
		Changed:     []string{"v1"},
		LastUpdated: &at,
	})
	client.OnApplied(context.Background(), state.AppliedResult{DeviceID: "water-controller"})
	client.Flush()
	if got := client.Stats().Queued; got != 1 {
		t.Errorf("Stats().Queued = %d, want 1", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(srv.written()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	lines := srv.written()
	if len(lines) != 1 {
		t.Fatalf("written lines = %v, want exactly one", lines)
	}
	if !strings.HasPrefix(lines[0], "pumpcore_apply,device_id=water-controller,origin=webhook ") {
		t.Errorf("line = %q", lines[0])
	}
	if strings.Contains(lines[0], "v1=") {
		t.Error("state values must not be written")
	}
}

func TestApplyPoint(t *testing.T) {
	at := time.Unix(1772366400, 0)
	p := applyPoint(state.AppliedResult{
		DeviceID:    "water-controller",
		Origin:      state.OriginPollSync,
		Fields:      []string{"v0", "v2", "v3"},
		Changed:     []string{"v0"},
		Dropped:     []state.Rejection{{Field: "v9", Reason: "unknown"}},
		LastUpdated: &at,
	})

	got := strings.TrimSpace(write.PointToLineProtocol(p, time.Second))
	want := "pumpcore_apply,device_id=water-controller,origin=poll_sync dropped=1i,fields_changed=1i,fields_written=3i 1772366400"
	if got != want {
		t.Errorf("line protocol = %q, want %q", got, want)
	}
}

func TestSyncPoint(t *testing.T) {
	p := syncPoint("water-controller", ingest.SyncResult{
		Outcome: ingest.SyncUpdated,
		Values:  map[string]int64{"v0": 1, "v2": 0},
		Failed:  map[string]string{"V1": "timeout"},
	}, time.Unix(1772366400, 0))

	got := strings.TrimSpace(write.PointToLineProtocol(p, time.Second))
	want := "pumpcore_poll_sync,device_id=water-controller,outcome=updated failed=1i,read=2i 1772366400"
	if got != want {
		t.Errorf("line protocol = %q, want %q", got, want)
	}
}

func TestWrites_NoopWhenDisconnected(t *testing.T) {
	c := &Client{}

	c.OnApplied(context.Background(), state.AppliedResult{Fields: []string{"v0"}})
	c.WriteSync("d", ingest.SyncResult{})
	c.Flush()
	if st := c.Stats(); st.Queued != 0 {
		t.Errorf("Stats() = %+v, want nothing queued", st)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
