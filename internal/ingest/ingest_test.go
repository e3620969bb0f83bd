package ingest

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/relay"
	"github.com/digiblynk/pumpcore/internal/state"
)

const testDevice = "water-controller"

// harness wires the adapters the way main does, on in-memory collaborators.
type harness struct {
	channels   *channel.Map
	store      *state.MemoryStore
	reconciler *state.Reconciler
	reader     *state.Reader
	relay      *relay.Fake
	control    *Control
	sync       *PollSync
	webhook    *Webhook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		channels: channel.Default(),
		store:    state.NewMemoryStore(),
		relay:    relay.NewFake(),
	}
	h.reconciler = state.NewReconciler(h.channels, h.store)
	h.reader = state.NewReader(h.channels, h.store)
	h.control = NewControl(testDevice, h.channels, h.relay, h.reconciler)
	h.sync = NewPollSync(testDevice, h.channels, h.relay, h.reconciler)
	h.webhook = NewWebhook(testDevice, h.channels, h.reconciler)
	return h
}

func (h *harness) state(t *testing.T) state.Record {
	t.Helper()
	rec, err := h.reader.Get(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("reader.Get() error = %v", err)
	}
	return rec
}

// spyApplier counts Apply calls and optionally fails them.
type spyApplier struct {
	calls atomic.Int32
	err   error
}

func (s *spyApplier) Apply(_ context.Context, deviceID string, origin state.Origin, updates []state.Update) (state.AppliedResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return state.AppliedResult{}, s.err
	}
	return state.AppliedResult{DeviceID: deviceID, Origin: origin}, nil
}

func TestControl_Success(t *testing.T) {
	h := newHarness(t)

	res, err := h.control.Submit(context.Background(), "v0", 1)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Origin != state.OriginControl || !reflect.DeepEqual(res.Changed, []string{"v0"}) {
		t.Errorf("result = %+v", res)
	}
	if sets := h.relay.Sets(); len(sets) != 1 || sets[0] != (relay.SetCall{Channel: "V0", Value: 1}) {
		t.Errorf("relay sets = %+v, want one V0=1 using the configured pin id", sets)
	}
	if rec := h.state(t); rec.Value("v0") != 1 {
		t.Errorf("v0 = %d, want 1", rec.Value("v0"))
	}
}

func TestControl_RelayFailureNeverClaimsSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.webhook.Ingest(ctx, Push{Channel: "V0", Value: "0"}); err != nil {
		t.Fatalf("seeding v0: %v", err)
	}
	before := h.state(t)

	h.relay.FailSet(relay.ErrUnavailable)
	_, err := h.control.Submit(ctx, "V0", 1)
	if !errors.Is(err, ErrRelay) || !errors.Is(err, relay.ErrUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrRelay wrapping relay.ErrUnavailable", err)
	}

	after := h.state(t)
	if after.Value("v0") != 0 {
		t.Errorf("v0 = %d after failed relay write, want pre-call value 0", after.Value("v0"))
	}
	if !after.LastUpdated.Equal(*before.LastUpdated) {
		t.Error("record was touched despite relay failure")
	}
}

func TestControl_RelayFailureSkipsApplier(t *testing.T) {
	fake := relay.NewFake()
	fake.FailSet(relay.ErrRejected)
	spy := &spyApplier{}
	c := NewControl(testDevice, channel.Default(), fake, spy)

	if _, err := c.Submit(context.Background(), "V0", 1); !errors.Is(err, relay.ErrRejected) {
		t.Fatalf("Submit() error = %v, want relay.ErrRejected", err)
	}
	if spy.calls.Load() != 0 {
		t.Errorf("Apply called %d times, want 0", spy.calls.Load())
	}
}

func TestControl_Validation(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		value   int64
	}{
		{"unknown channel", "V9", 1},
		{"out of domain", "V0", 2},
		{"negative", "V1", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := relay.NewFake()
			spy := &spyApplier{}
			c := NewControl(testDevice, channel.Default(), fake, spy)

			_, err := c.Submit(context.Background(), tt.channel, tt.value)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Submit() error = %v, want ErrValidation", err)
			}
			if len(fake.Sets()) != 0 || spy.calls.Load() != 0 {
				t.Error("validation failure must not reach the relay or the store")
			}
		})
	}
}

func TestControl_StoreFailurePropagates(t *testing.T) {
	spy := &spyApplier{err: state.ErrStoreFailure}
	c := NewControl(testDevice, channel.Default(), relay.NewFake(), spy)

	if _, err := c.Submit(context.Background(), "V0", 1); !errors.Is(err, state.ErrStoreFailure) {
		t.Errorf("Submit() error = %v, want state.ErrStoreFailure", err)
	}
}

func TestPollSync_PartialSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.webhook.Ingest(ctx, Push{Channel: "V1", Value: "1"}); err != nil {
		t.Fatalf("seeding v1: %v", err)
	}

	h.relay.SetRaw("V0", `"1"`)
	h.relay.FailGet("V1", relay.ErrUnavailable)
	h.relay.SetRaw("V2", "0")
	h.relay.SetRaw("V3", `["1"]`)

	res, err := h.sync.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != SyncUpdated {
		t.Errorf("Outcome = %q, want updated", res.Outcome)
	}
	want := []string{"v0", "v2", "v3"}
	if !reflect.DeepEqual(res.Applied.Fields, want) {
		t.Errorf("Fields = %v, want %v", res.Applied.Fields, want)
	}
	if !reflect.DeepEqual(res.Applied.Changed, want) {
		t.Errorf("Changed = %v, want %v", res.Applied.Changed, want)
	}
	if _, ok := res.Failed["V1"]; !ok || len(res.Failed) != 1 {
		t.Errorf("Failed = %v, want only V1", res.Failed)
	}

	rec := h.state(t)
	if rec.Value("v1") != 1 {
		t.Errorf("v1 = %d, want untouched 1", rec.Value("v1"))
	}
	if rec.Value("v0") != 1 || rec.Value("v2") != 0 || rec.Value("v3") != 1 {
		t.Errorf("record = %v", rec.Fields)
	}
}

func TestPollSync_InvalidValuesOmitted(t *testing.T) {
	h := newHarness(t)
	h.relay.SetRaw("V0", "abc")
	h.relay.SetRaw("V1", "5")
	h.relay.SetRaw("V2", "1")
	h.relay.FailGet("V3", relay.ErrRejected)

	res, err := h.sync.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(res.Values, map[string]int64{"v2": 1}) {
		t.Errorf("Values = %v, want only v2", res.Values)
	}
	failed := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	if !reflect.DeepEqual(failed, []string{"V0", "V1", "V3"}) {
		t.Errorf("Failed = %v", failed)
	}
	if rec := h.state(t); rec.Has("v0") || rec.Has("v1") {
		t.Error("omitted channels must not be written as zero")
	}
}

func TestPollSync_IteratesWholeMap(t *testing.T) {
	channels, err := channel.NewMap(
		channel.Channel{ID: "V0", Name: "motor", Kind: channel.KindActuator, Domain: channel.Binary()},
		channel.Channel{ID: "V5", Name: "level", Kind: channel.KindSensor, Domain: channel.Range(0, 100)},
	)
	if err != nil {
		t.Fatalf("NewMap() error = %v", err)
	}
	store := state.NewMemoryStore()
	rc := relay.NewFake()
	rc.SetRaw("V0", "1")
	rc.SetRaw("V5", "42")
	ps := NewPollSync(testDevice, channels, rc, state.NewReconciler(channels, store))

	res, err := ps.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := map[string]int64{"v0": 1, "v5": 42}
	if !reflect.DeepEqual(res.Values, want) {
		t.Errorf("Values = %v, want %v", res.Values, want)
	}
	if rc.Gets() != 2 {
		t.Errorf("relay reads = %d, want 2", rc.Gets())
	}
}

func TestPollSync_NoData(t *testing.T) {
	fake := relay.NewFake()
	for _, id := range channel.Default().IDs() {
		fake.FailGet(id, relay.ErrUnavailable)
	}
	spy := &spyApplier{}
	p := NewPollSync(testDevice, channel.Default(), fake, spy)

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil for no data", err)
	}
	if res.Outcome != SyncNoData {
		t.Errorf("Outcome = %q, want no_data", res.Outcome)
	}
	if spy.calls.Load() != 0 {
		t.Error("store must not be touched when nothing was fetched")
	}
}

func TestPollSync_StoreFailure(t *testing.T) {
	fake := relay.NewFake()
	fake.SetRaw("V0", "1")
	p := NewPollSync(testDevice, channel.Default(), fake, &spyApplier{err: state.ErrStoreFailure})

	if _, err := p.Run(context.Background()); !errors.Is(err, state.ErrStoreFailure) {
		t.Errorf("Run() error = %v, want state.ErrStoreFailure", err)
	}
}

func TestPollSync_ReadsConcurrently(t *testing.T) {
	fake := relay.NewFake()
	for _, id := range channel.Default().IDs() {
		fake.SetRaw(id, "1")
	}
	fake.SetDelay(100 * time.Millisecond)
	p := NewPollSync(testDevice, channel.Default(), fake, &spyApplier{})

	start := time.Now()
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 350*time.Millisecond {
		t.Errorf("Run() took %v; four 100ms reads should overlap", elapsed)
	}
	if fake.Gets() != 4 {
		t.Errorf("Gets() = %d, want 4", fake.Gets())
	}
}

type syncRecorder struct {
	mu      sync.Mutex
	results []SyncResult
}

func (s *syncRecorder) ObserveSync(res SyncResult, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func TestPollSync_Observer(t *testing.T) {
	h := newHarness(t)
	obs := &syncRecorder{}
	h.sync.SetObserver(obs)
	h.relay.SetRaw("V0", "1")

	if _, err := h.sync.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(obs.results) != 1 || obs.results[0].Outcome != SyncUpdated {
		t.Errorf("observed = %+v", obs.results)
	}
}

func TestWebhook_Coercion(t *testing.T) {
	tests := []struct {
		name    string
		push    Push
		wantErr bool
		want    int64
	}{
		{"string one", Push{Channel: "V1", Value: "1"}, false, 1},
		{"lower case pin", Push{Channel: "v2", Value: "0"}, false, 0},
		{"quoted", Push{Channel: "V3", Value: `"1"`}, false, 1},
		{"not a number", Push{Channel: "V1", Value: "abc"}, true, 0},
		{"missing value", Push{Channel: "V1"}, true, 0},
		{"missing pin", Push{Value: "1"}, true, 0},
		{"unknown pin", Push{Channel: "V8", Value: "1"}, true, 0},
		{"out of domain", Push{Channel: "V1", Value: "3"}, true, 0},
		{"fractional", Push{Channel: "V1", Value: "0.5"}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, err := h.webhook.Ingest(context.Background(), tt.push)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Ingest() error = %v, want ErrValidation", err)
				}
				if _, err := h.store.Get(context.Background(), testDevice); !errors.Is(err, state.ErrRecordNotFound) {
					t.Error("rejected push must not mutate the store")
				}
				return
			}
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if res.Origin != state.OriginWebhook {
				t.Errorf("Origin = %q, want webhook", res.Origin)
			}
			ch, _ := h.channels.Resolve(tt.push.Channel)
			if got := h.state(t).Value(ch.Field); got != tt.want {
				t.Errorf("%s = %d, want %d", ch.Field, got, tt.want)
			}
		})
	}
}

func TestWebhook_OriginOverride(t *testing.T) {
	h := newHarness(t)

	res, err := h.webhook.Ingest(context.Background(), Push{Channel: "V2", Value: "1", Origin: state.OriginMQTT})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Origin != state.OriginMQTT {
		t.Errorf("Origin = %q, want mqtt", res.Origin)
	}
}

func TestWebhook_LargeIntegersExact(t *testing.T) {
	channels, err := channel.NewMap(
		channel.Channel{ID: "V9", Name: "counter", Kind: channel.KindSensor, Domain: channel.Unbounded()},
	)
	if err != nil {
		t.Fatalf("NewMap() error = %v", err)
	}
	store := state.NewMemoryStore()
	wh := NewWebhook(testDevice, channels, state.NewReconciler(channels, store))

	tests := []struct {
		value string
		want  int64
	}{
		{"9007199254740993", 9007199254740993},
		{"9223372036854775807", math.MaxInt64},
		{"-9223372036854775808", math.MinInt64},
		{"9007199254740993.0", 9007199254740993},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			res, err := wh.Ingest(context.Background(), Push{Channel: "V9", Value: tt.value})
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if res.Values["v9"] != tt.want {
				t.Errorf("result v9 = %d, want %d", res.Values["v9"], tt.want)
			}
			rec, err := store.Get(context.Background(), testDevice)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got := rec.Value("v9"); got != tt.want {
				t.Errorf("stored v9 = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := wh.Ingest(context.Background(), Push{Channel: "V9", Value: "9223372036854775808"}); !errors.Is(err, ErrValidation) {
		t.Errorf("overflowing push error = %v, want ErrValidation", err)
	}
}

func TestWebhook_DroppedBatchIsAnError(t *testing.T) {
	spy := &spyApplier{}
	wh := NewWebhook(testDevice, channel.Default(), spy)

	if _, err := wh.Ingest(context.Background(), Push{Channel: "V1", Value: "1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Ingest() error = %v, want ErrValidation when nothing was written", err)
	}
	if spy.calls.Load() != 1 {
		t.Errorf("Apply called %d times, want 1", spy.calls.Load())
	}
}

func TestControl_DroppedBatchIsAnError(t *testing.T) {
	fake := relay.NewFake()
	c := NewControl(testDevice, channel.Default(), fake, &spyApplier{})

	if _, err := c.Submit(context.Background(), "V0", 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("Submit() error = %v, want ErrValidation when nothing was written", err)
	}
	if len(fake.Sets()) != 1 {
		t.Errorf("relay writes = %d, want 1", len(fake.Sets()))
	}
}

// TestEndToEnd_LastAppliedWins walks the three writers through a sequence
// where a stale relay snapshot overwrites a more recent control command.
func TestEndToEnd_LastAppliedWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.state(t)
	if rec.LastUpdated != nil || rec.Value("v0") != 0 {
		t.Fatalf("initial state = %+v, want default", rec)
	}

	if _, err := h.control.Submit(ctx, "V0", 1); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec = h.state(t)
	if rec.Value("v0") != 1 || rec.Value("v1") != 0 || rec.Value("v2") != 0 || rec.Value("v3") != 0 {
		t.Errorf("after control = %v", rec.Fields)
	}
	if rec.LastUpdated == nil {
		t.Fatal("LastUpdated not set after control")
	}

	if _, err := h.webhook.Ingest(ctx, Push{Channel: "V1", Value: "1"}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	rec = h.state(t)
	if rec.Value("v0") != 1 || rec.Value("v1") != 1 {
		t.Errorf("after webhook = %v, want v0=1 v1=1", rec.Fields)
	}

	h.relay.SetRaw("V0", "0")
	h.relay.SetRaw("V1", "1")
	h.relay.SetRaw("V2", "0")
	h.relay.SetRaw("V3", "1")
	if _, err := h.sync.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec = h.state(t)
	want := map[string]int64{"v0": 0, "v1": 1, "v2": 0, "v3": 1}
	if !reflect.DeepEqual(rec.Fields, want) {
		t.Errorf("after poll-sync = %v, want %v (stale snapshot wins)", rec.Fields, want)
	}
}

type countingSyncer struct {
	runs atomic.Int32
}

func (c *countingSyncer) Run(context.Context) (SyncResult, error) {
	c.runs.Add(1)
	return SyncResult{Outcome: SyncNoData}, nil
}

func TestPoller_RunsImmediatelyAndOnTick(t *testing.T) {
	syncer := &countingSyncer{}
	p := NewPoller(syncer, 20*time.Millisecond)

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for syncer.runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	p.Stop() // idempotent

	if syncer.runs.Load() < 3 {
		t.Errorf("runs = %d, want at least 3", syncer.runs.Load())
	}
	after := syncer.runs.Load()
	time.Sleep(60 * time.Millisecond)
	if syncer.runs.Load() != after {
		t.Error("poller kept running after Stop")
	}
}

func TestPoller_StopsOnContextCancel(t *testing.T) {
	syncer := &countingSyncer{}
	p := NewPoller(syncer, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}
