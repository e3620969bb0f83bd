package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists records in the device_states table.
//
// The pool behind db is expected to hold a single connection (see
// database.Open), so the read-then-upsert transaction in Upsert cannot
// interleave with another writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an opened, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get implements Getter.
func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (Record, error) {
	rec, err := getRecord(ctx, s.db, deviceID)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Upsert implements Store with a single INSERT .. ON CONFLICT statement.
// json_patch merges the new fields into the stored object, leaving fields
// outside the batch untouched.
func (s *SQLiteStore) Upsert(ctx context.Context, deviceID string, set map[string]int64, at time.Time) (*Record, error) {
	patch, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshalling fields: %w", err)
	}
	ts := at.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var prior *Record
	rec, err := getRecord(ctx, tx, deviceID)
	switch {
	case err == nil:
		prior = &rec
	case errors.Is(err, ErrRecordNotFound):
	default:
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_states (device_id, fields, last_updated, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			fields = json_patch(device_states.fields, excluded.fields),
			last_updated = excluded.last_updated`,
		deviceID, string(patch), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing device state: %w", err)
	}
	return prior, nil
}

func getRecord(ctx context.Context, q queryer, deviceID string) (Record, error) {
	var fieldsJSON string
	var lastUpdated sql.NullString
	var createdAt string

	err := q.QueryRowContext(ctx,
		`SELECT fields, last_updated, created_at FROM device_states WHERE device_id = ?`,
		deviceID,
	).Scan(&fieldsJSON, &lastUpdated, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("querying device state: %w", err)
	}

	rec := Record{DeviceID: deviceID, Fields: map[string]int64{}}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("unmarshalling fields: %w", err)
	}
	if lastUpdated.Valid {
		t, err := time.Parse(timeFormat, lastUpdated.String)
		if err != nil {
			return Record{}, fmt.Errorf("parsing last_updated: %w", err)
		}
		rec.LastUpdated = &t
	}
	t, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = &t

	return rec, nil
}
