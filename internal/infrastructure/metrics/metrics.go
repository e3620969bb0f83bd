package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/relay"
	"github.com/digiblynk/pumpcore/internal/state"
)

const namespace = "pumpcore"

// Apply outcomes used as the "result" label.
const (
	ResultWritten      = "written"
	ResultNothingValid = "nothing_valid"
	ResultStoreFailure = "store_failure"
)

// Relay call outcomes used as the "result" label.
const (
	RelayOK           = "ok"
	RelayUnavailable  = "unavailable"
	RelayRejected     = "rejected"
	RelayInvalidValue = "invalid_value"
	RelayOther        = "error"
)

// Metrics owns a private Prometheus registry and implements
// state.Recorder, relay.Observer and ingest.SyncObserver.
type Metrics struct {
	registry *prometheus.Registry

	applies        *prometheus.CounterVec
	applyDuration  *prometheus.HistogramVec
	fieldsWritten  *prometheus.CounterVec
	fieldsChanged  *prometheus.CounterVec
	updatesDropped *prometheus.CounterVec
	relayCalls     *prometheus.CounterVec
	relayDuration  *prometheus.HistogramVec
	syncs          *prometheus.CounterVec
	syncFailed     prometheus.Counter
	lastApply      *prometheus.GaugeVec

	totalApplies  atomic.Uint64
	totalWritten  atomic.Uint64
	totalFailures atomic.Uint64
	totalDropped  atomic.Uint64
}

// New creates and registers every collector, including the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_applies_total",
			Help:      "Apply calls by origin and result.",
		}, []string{"origin", "result"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciler_apply_duration_seconds",
			Help:      "Apply latency including the store round-trip.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"origin"}),
		fieldsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_fields_written_total",
			Help:      "Fields written by committed batches.",
		}, []string{"origin"}),
		fieldsChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_fields_changed_total",
			Help:      "Written fields whose value differed from the stored value.",
		}, []string{"origin"}),
		updatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_updates_dropped_total",
			Help:      "Updates rejected during validation.",
		}, []string{"origin"}),
		relayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_calls_total",
			Help:      "Relay calls by operation and result.",
		}, []string{"op", "result"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_call_duration_seconds",
			Help:      "Relay call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"op"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_sync_runs_total",
			Help:      "Poll-sync runs by outcome.",
		}, []string{"outcome"}),
		syncFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_sync_channel_failures_total",
			Help:      "Channels omitted from a poll-sync batch.",
		}),
		lastApply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciler_last_apply_timestamp_seconds",
			Help:      "Unix time of the last committed batch per device.",
		}, []string{"device_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.applies, m.applyDuration, m.fieldsWritten, m.fieldsChanged, m.updatesDropped,
		m.relayCalls, m.relayDuration, m.syncs, m.syncFailed, m.lastApply,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordApply implements state.Recorder.
func (m *Metrics) RecordApply(result state.AppliedResult, err error, elapsed time.Duration) {
	origin := string(result.Origin)
	m.totalApplies.Add(1)
	m.totalDropped.Add(uint64(len(result.Dropped)))

	m.applyDuration.WithLabelValues(origin).Observe(elapsed.Seconds())
	m.updatesDropped.WithLabelValues(origin).Add(float64(len(result.Dropped)))

	switch {
	case err != nil:
		m.totalFailures.Add(1)
		m.applies.WithLabelValues(origin, ResultStoreFailure).Inc()
	case !result.Written():
		m.applies.WithLabelValues(origin, ResultNothingValid).Inc()
	default:
		m.totalWritten.Add(1)
		m.applies.WithLabelValues(origin, ResultWritten).Inc()
		m.fieldsWritten.WithLabelValues(origin).Add(float64(len(result.Fields)))
		m.fieldsChanged.WithLabelValues(origin).Add(float64(len(result.Changed)))
		if result.LastUpdated != nil {
			m.lastApply.WithLabelValues(result.DeviceID).Set(float64(result.LastUpdated.UnixNano()) / 1e9)
		}
	}
}

// ObserveRelayCall implements relay.Observer.
func (m *Metrics) ObserveRelayCall(op string, err error, elapsed time.Duration) {
	m.relayCalls.WithLabelValues(op, relayResult(err)).Inc()
	m.relayDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveSync implements ingest.SyncObserver.
func (m *Metrics) ObserveSync(result ingest.SyncResult, err error) {
	outcome := string(result.Outcome)
	if err != nil {
		outcome = ResultStoreFailure
	}
	m.syncs.WithLabelValues(outcome).Inc()
	m.syncFailed.Add(float64(len(result.Failed)))
}

func relayResult(err error) string {
	switch {
	case err == nil:
		return RelayOK
	case errors.Is(err, relay.ErrUnavailable):
		return RelayUnavailable
	case errors.Is(err, relay.ErrRejected):
		return RelayRejected
	case errors.Is(err, relay.ErrInvalidValue):
		return RelayInvalidValue
	default:
		return RelayOther
	}
}

// Snapshot is a cheap summary for the JSON metrics endpoint.
type Snapshot struct {
	Applies       uint64 `json:"applies"`
	Written       uint64 `json:"written"`
	StoreFailures uint64 `json:"store_failures"`
	Dropped       uint64 `json:"dropped_updates"`
}

// Snapshot returns the reconciler totals since start.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Applies:       m.totalApplies.Load(),
		Written:       m.totalWritten.Load(),
		StoreFailures: m.totalFailures.Load(),
		Dropped:       m.totalDropped.Load(),
	}
}

var (
	_ state.Recorder      = (*Metrics)(nil)
	_ relay.Observer      = (*Metrics)(nil)
	_ ingest.SyncObserver = (*Metrics)(nil)
)
