package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/digiblynk/pumpcore/internal/channel"
	"github.com/digiblynk/pumpcore/internal/relay"
	"github.com/digiblynk/pumpcore/internal/state"
)

// SyncOutcome distinguishes a sync that wrote something from one that
// fetched nothing usable.
type SyncOutcome string

// Sync outcomes.
const (
	SyncUpdated SyncOutcome = "updated"
	SyncNoData  SyncOutcome = "no_data"
)

// SyncResult is the outcome of one PollSync.Run.
type SyncResult struct {
	Outcome SyncOutcome `json:"outcome"`

	// Values holds every successfully read value by field name.
	Values map[string]int64 `json:"values"`

	// Failed maps relay channel IDs that could not be read to the reason.
	Failed map[string]string `json:"failed,omitempty"`

	// Applied is the Reconciler result. Zero when Outcome is SyncNoData.
	Applied state.AppliedResult `json:"applied"`
}

// SyncObserver is notified after every Run. The metrics package implements it.
type SyncObserver interface {
	ObserveSync(result SyncResult, err error)
}

// PollSync pulls every channel from the relay and applies the survivors.
type PollSync struct {
	deviceID string
	channels *channel.Map
	relay    relay.Client
	applier  Applier
	logger   Logger
	observer SyncObserver
}

// NewPollSync creates the poll-sync adapter for deviceID.
func NewPollSync(deviceID string, channels *channel.Map, rc relay.Client, applier Applier) *PollSync {
	return &PollSync{
		deviceID: deviceID,
		channels: channels,
		relay:    rc,
		applier:  applier,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the adapter.
func (p *PollSync) SetLogger(logger Logger) {
	p.logger = logger
}

// SetObserver sets the sync observer. Nil disables observation.
func (p *PollSync) SetObserver(o SyncObserver) {
	p.observer = o
}

type readResult struct {
	value int64
	err   error
}

// Run reads every channel in the map concurrently and waits for all reads
// to settle. Failed or invalid reads are left out of the batch. If at least
// one read succeeded the batch is applied once; otherwise the outcome is
// SyncNoData and the store is not touched. The only error is a store
// failure from the Reconciler.
func (p *PollSync) Run(ctx context.Context) (SyncResult, error) {
	channels := p.channels.All()
	reads := make([]readResult, len(channels))

	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			v, err := p.relay.Get(ctx, ch.ID)
			reads[i] = readResult{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // reads record their own errors

	result := SyncResult{Values: make(map[string]int64, len(channels))}
	updates := make([]state.Update, 0, len(channels))
	for i, ch := range channels {
		r := reads[i]
		if r.err == nil {
			r.err = ch.Check(r.value)
		}
		if r.err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[ch.ID] = r.err.Error()
			p.logger.Warn("poll-sync read omitted",
				"device_id", p.deviceID, "channel", ch.ID, "error", r.err)
			continue
		}
		result.Values[ch.Field] = r.value
		updates = append(updates, state.IntUpdate(ch.Field, r.value))
	}

	if len(updates) == 0 {
		result.Outcome = SyncNoData
		p.logger.Warn("poll-sync fetched no data", "device_id", p.deviceID, "failed", len(result.Failed))
		p.observe(result, nil)
		return result, nil
	}

	applied, err := p.applier.Apply(ctx, p.deviceID, state.OriginPollSync, updates)
	if err != nil {
		p.observe(result, err)
		return result, err
	}
	result.Outcome = SyncUpdated
	result.Applied = applied
	p.observe(result, nil)
	return result, nil
}

func (p *PollSync) observe(result SyncResult, err error) {
	if p.observer != nil {
		p.observer.ObserveSync(result, err)
	}
}
