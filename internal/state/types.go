package state

import (
	"maps"
	"time"
)

// Origin identifies which ingestion path produced a batch.
// It is carried for logs and metrics; Apply treats every origin alike.
type Origin string

// Ingestion origins.
const (
	OriginControl  Origin = "control"
	OriginPollSync Origin = "poll_sync"
	OriginWebhook  Origin = "webhook"
	OriginMQTT     Origin = "mqtt"
)

// AllOrigins returns every known origin.
func AllOrigins() []Origin {
	return []Origin{OriginControl, OriginPollSync, OriginWebhook, OriginMQTT}
}

// Record is the reconciled state of one device.
type Record struct {
	DeviceID string `json:"device_id"`

	// Fields maps canonical field names to values. A field that has never
	// been written is absent.
	Fields map[string]int64 `json:"fields"`

	// LastUpdated is the Reconciler timestamp of the latest accepted batch.
	// Nil only on the default record.
	LastUpdated *time.Time `json:"last_updated"`

	// CreatedAt is set once, on the first accepted batch.
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Value returns the field's value, or 0 if it has never been written.
func (r Record) Value(field string) int64 {
	return r.Fields[field]
}

// Has reports whether the field has been written.
func (r Record) Has(field string) bool {
	_, ok := r.Fields[field]
	return ok
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	cpy := r
	cpy.Fields = maps.Clone(r.Fields)
	if cpy.Fields == nil {
		cpy.Fields = map[string]int64{}
	}
	if r.LastUpdated != nil {
		t := *r.LastUpdated
		cpy.LastUpdated = &t
	}
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		cpy.CreatedAt = &t
	}
	return cpy
}

// Update is one proposed field write. Decoders coerce to int64 before
// building one, so Apply only checks the channel and its domain.
type Update struct {
	Field string
	Value int64
}

// IntUpdate builds an Update.
func IntUpdate(field string, value int64) Update {
	return Update{Field: field, Value: value}
}

// Rejection records why one update in a batch was dropped.
type Rejection struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// AppliedResult describes the outcome of one Apply call.
type AppliedResult struct {
	DeviceID string `json:"device_id"`
	Origin   Origin `json:"origin"`

	// Fields lists, sorted, every field the batch wrote.
	Fields []string `json:"fields"`

	// Values holds the written value of each entry in Fields.
	Values map[string]int64 `json:"values"`

	// Changed is the subset of Fields whose stored value differs from the
	// value before the batch, including fields written for the first time.
	Changed []string `json:"changed"`

	// Dropped lists updates rejected during validation.
	Dropped []Rejection `json:"dropped,omitempty"`

	// LastUpdated is the batch timestamp. Nil when nothing was written.
	LastUpdated *time.Time `json:"last_updated,omitempty"`

	// Record is the state immediately after this batch. Zero when nothing
	// was written.
	Record Record `json:"record"`
}

// Written reports whether the batch reached the store.
func (r AppliedResult) Written() bool {
	return len(r.Fields) > 0
}
