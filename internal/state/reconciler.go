package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/digiblynk/pumpcore/internal/channel"
)

// Logger defines the logging interface used by the state package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder observes every Apply call, successful or not.
// The metrics package implements it.
type Recorder interface {
	RecordApply(result AppliedResult, err error, elapsed time.Duration)
}

// AppliedFunc is called after a batch commits. It runs while the device
// lock is held so observers see batches in store order; it must not block
// and must not call Apply.
type AppliedFunc func(ctx context.Context, result AppliedResult)

// Reconciler is the only writer of the Store. See the package documentation
// for its consistency guarantees.
//
// All public methods are thread-safe.
type Reconciler struct {
	channels *channel.Map
	store    Store
	logger   Logger
	recorder Recorder
	now      func() time.Time
	locks    *deviceLocks

	hooksMu sync.RWMutex
	hooks   []AppliedFunc
}

// NewReconciler creates a Reconciler validating against channels and
// writing to store.
func NewReconciler(channels *channel.Map, store Store) *Reconciler {
	return &Reconciler{
		channels: channels,
		store:    store,
		logger:   noopLogger{},
		now:      time.Now,
		locks:    newDeviceLocks(),
	}
}

// SetLogger sets the logger for the reconciler.
func (r *Reconciler) SetLogger(logger Logger) {
	r.logger = logger
}

// SetRecorder sets the metrics recorder. Nil disables recording.
func (r *Reconciler) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// SetClock replaces the timestamp source. Tests use it to pin batch times.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// OnApplied registers fn to run after every committed batch.
func (r *Reconciler) OnApplied(fn AppliedFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Channels returns the channel map the reconciler validates against.
func (r *Reconciler) Channels() *channel.Map {
	return r.channels
}

// Apply validates updates and writes the survivors as one atomic batch.
//
// Each update is checked on its own: an unknown field or a value outside
// the channel's domain drops that update only. When a field appears more than once the later update wins.
// If nothing survives, the store is not touched and the result has no
// Fields. The only error besides an empty deviceID is ErrStoreFailure.
func (r *Reconciler) Apply(ctx context.Context, deviceID string, origin Origin, updates []Update) (AppliedResult, error) {
	start := time.Now()
	result := AppliedResult{DeviceID: deviceID, Origin: origin}

	if deviceID == "" {
		return result, ErrInvalidDeviceID
	}

	set := r.validate(origin, updates, &result)
	if len(set) == 0 {
		r.logger.Debug("batch had no valid updates",
			"device_id", deviceID, "origin", origin, "dropped", len(result.Dropped))
		r.record(result, nil, start)
		return result, nil
	}

	unlock := r.locks.lock(deviceID)
	defer unlock()

	at := r.now().UTC()
	prior, err := r.store.Upsert(ctx, deviceID, set, at)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStoreFailure, err)
		r.logger.Error("state upsert failed",
			"device_id", deviceID, "origin", origin, "error", err)
		r.record(result, err, start)
		return result, err
	}

	result.Fields = make([]string, 0, len(set))
	for field := range set {
		result.Fields = append(result.Fields, field)
	}
	sort.Strings(result.Fields)
	result.Values = set
	result.LastUpdated = &at

	var next Record
	if prior != nil {
		next = prior.Clone()
	} else {
		created := at
		next = Record{DeviceID: deviceID, Fields: map[string]int64{}, CreatedAt: &created}
	}
	result.Changed = []string{}
	for _, field := range result.Fields {
		v := set[field]
		if prior == nil || !prior.Has(field) || prior.Value(field) != v {
			result.Changed = append(result.Changed, field)
		}
		next.Fields[field] = v
	}
	ts := at
	next.LastUpdated = &ts
	result.Record = next

	r.logger.Info("state applied",
		"device_id", deviceID,
		"origin", origin,
		"fields", result.Fields,
		"changed", result.Changed,
		"dropped", len(result.Dropped),
		"created", prior == nil,
	)
	r.record(result, nil, start)
	r.notify(ctx, result)

	return result, nil
}

// validate resolves and coerces updates, recording rejections on result.
func (r *Reconciler) validate(origin Origin, updates []Update, result *AppliedResult) map[string]int64 {
	set := make(map[string]int64, len(updates))
	for _, u := range updates {
		v, ch, err := r.check(u)
		if err != nil {
			result.Dropped = append(result.Dropped, Rejection{Field: u.Field, Reason: err.Error()})
			r.logger.Warn("update dropped",
				"device_id", result.DeviceID, "origin", origin, "field", u.Field, "reason", err)
			continue
		}
		set[ch.Field] = v
	}
	return set
}

func (r *Reconciler) check(u Update) (int64, channel.Channel, error) {
	ch, err := r.channels.Lookup(u.Field)
	if err != nil {
		return 0, channel.Channel{}, err
	}
	if err := ch.Check(u.Value); err != nil {
		return 0, ch, err
	}
	return u.Value, ch, nil
}

func (r *Reconciler) record(result AppliedResult, err error, start time.Time) {
	if r.recorder != nil {
		r.recorder.RecordApply(result, err, time.Since(start))
	}
}

func (r *Reconciler) notify(ctx context.Context, result AppliedResult) {
	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, result)
	}
}

// IsStoreFailure reports whether err came from the store.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreFailure)
}

// deviceLocks hands out one mutex per device, dropping entries nobody holds.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

// lock blocks until the device's mutex is held and returns its release func.
func (l *deviceLocks) lock(deviceID string) func() {
	l.mu.Lock()
	dl, ok := l.locks[deviceID]
	if !ok {
		dl = &deviceLock{}
		l.locks[deviceID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, deviceID)
		}
		l.mu.Unlock()
	}
}
