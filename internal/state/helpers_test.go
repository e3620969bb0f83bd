package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/digiblynk/pumpcore/internal/infrastructure/database"
	_ "github.com/digiblynk/pumpcore/migrations" // registers device_states schema
)

// openSQLiteStore returns a SQLiteStore on a fresh migrated database.
func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "state.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteStore(db.DB)
}

// backends returns one of each real Store implementation for table tests.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openSQLiteStore(t),
	}
}

var errUnreachable = errors.New("connection refused")

// failingStore fails every call.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (Record, error) {
	return Record{}, errUnreachable
}

func (failingStore) Upsert(context.Context, string, map[string]int64, time.Time) (*Record, error) {
	return nil, errUnreachable
}

// countingStore wraps a Store and counts Upsert calls.
type countingStore struct {
	Store
	mu      sync.Mutex
	upserts int
}

func (s *countingStore) Upsert(ctx context.Context, id string, set map[string]int64, at time.Time) (*Record, error) {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()
	return s.Store.Upsert(ctx, id, set, at)
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// fakeRecorder captures RecordApply calls.
type fakeRecorder struct {
	mu      sync.Mutex
	results []AppliedResult
	errs    []error
}

func (f *fakeRecorder) RecordApply(result AppliedResult, err error, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	f.errs = append(f.errs, err)
}

// fixedClock returns a clock that always reports t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
