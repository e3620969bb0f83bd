package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/digiblynk/pumpcore/internal/channel"
)

// Reader is the read side of the state record.
type Reader struct {
	channels *channel.Map
	store    Getter
}

// NewReader creates a Reader. The default record is built from channels.
func NewReader(channels *channel.Map, store Getter) *Reader {
	return &Reader{channels: channels, store: store}
}

// Get returns the stored record as written, or the default record when the
// device has never been written. It fails only with ErrStoreFailure.
func (r *Reader) Get(ctx context.Context, deviceID string) (Record, error) {
	rec, err := r.store.Get(ctx, deviceID)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, ErrRecordNotFound) {
		return r.Default(deviceID), nil
	}
	return Record{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
}

// Default returns the zero-valued record: every channel currently in the
// map set to 0 and LastUpdated nil.
func (r *Reader) Default(deviceID string) Record {
	fields := make(map[string]int64, r.channels.Len())
	for _, f := range r.channels.Fields() {
		fields[f] = 0
	}
	return Record{DeviceID: deviceID, Fields: fields}
}
