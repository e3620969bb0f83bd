package state

import (
	"context"
	"sync"
	"time"
)

// Getter reads records. The Reader depends only on this, so the read side
// has no way to write.
type Getter interface {
	// Get returns the stored record, or ErrRecordNotFound.
	Get(ctx context.Context, deviceID string) (Record, error)
}

// Store is the keyed document store behind the Reconciler.
//
// Implementations must make Upsert atomic per call: either every field in
// set and the timestamp are written, or nothing is.
type Store interface {
	Getter

	// Upsert sets each field in set and last_updated to at, creating the
	// record when absent. created_at is written only on creation. It
	// returns the record as it was before the call, or nil if it did not
	// exist.
	Upsert(ctx context.Context, deviceID string, set map[string]int64, at time.Time) (*Record, error)
}

// timeFormat is used by the backends that persist timestamps as text.
const timeFormat = time.RFC3339Nano

// MemoryStore is a Store held in process memory.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Getter.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, deviceID string, set map[string]int64, at time.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prior *Record
	rec, ok := s.records[deviceID]
	if ok {
		p := rec.Clone()
		prior = &p
		rec = rec.Clone()
	} else {
		created := at
		rec = Record{DeviceID: deviceID, Fields: make(map[string]int64, len(set)), CreatedAt: &created}
	}

	for field, v := range set {
		rec.Fields[field] = v
	}
	ts := at
	rec.LastUpdated = &ts
	s.records[deviceID] = rec

	return prior, nil
}
