package channel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/digiblynk/pumpcore/internal/infrastructure/config"
)

// Kind classifies what a channel represents on the device.
type Kind string

// Channel kinds.
const (
	KindActuator Kind = "actuator"
	KindSensor   Kind = "sensor"
	KindStatus   Kind = "status"
)

// AllKinds returns all recognised channel kinds.
func AllKinds() []Kind {
	return []Kind{KindActuator, KindSensor, KindStatus}
}

// Domain is the closed integer range a channel accepts.
// The zero Domain is unbounded.
type Domain struct {
	min, max       int64
	hasMin, hasMax bool
}

// Binary returns the {0, 1} domain used by switches and float sensors.
func Binary() Domain {
	return Range(0, 1)
}

// Range returns the domain [min, max].
func Range(minValue, maxValue int64) Domain {
	return Domain{min: minValue, max: maxValue, hasMin: true, hasMax: true}
}

// Unbounded returns a domain that accepts every int64.
func Unbounded() Domain {
	return Domain{}
}

// Bounds builds a domain from optional limits. A nil limit leaves that side open.
func Bounds(minValue, maxValue *int64) Domain {
	var d Domain
	if minValue != nil {
		d.min, d.hasMin = *minValue, true
	}
	if maxValue != nil {
		d.max, d.hasMax = *maxValue, true
	}
	return d
}

// Contains reports whether v lies within the domain.
func (d Domain) Contains(v int64) bool {
	if d.hasMin && v < d.min {
		return false
	}
	if d.hasMax && v > d.max {
		return false
	}
	return true
}

// Min returns the lower bound and whether one is set.
func (d Domain) Min() (int64, bool) { return d.min, d.hasMin }

// Max returns the upper bound and whether one is set.
func (d Domain) Max() (int64, bool) { return d.max, d.hasMax }

// String renders the domain as an interval, e.g. "[0,1]" or "(-inf,100]".
func (d Domain) String() string {
	lo, hi := "(-inf", "+inf)"
	if d.hasMin {
		lo = "[" + strconv.FormatInt(d.min, 10)
	}
	if d.hasMax {
		hi = strconv.FormatInt(d.max, 10) + "]"
	}
	return lo + "," + hi
}

// Channel is one relay pin and the internal field it populates.
type Channel struct {
	// ID is the relay identifier as configured, e.g. "V0".
	ID string `json:"id"`

	// Field is the canonical lower-case field name, e.g. "v0".
	Field string `json:"field"`

	// Name is a human label, e.g. "motor".
	Name string `json:"name,omitempty"`

	Kind   Kind   `json:"kind"`
	Domain Domain `json:"-"`
}

// Check returns ErrOutOfDomain if v is outside the channel's domain.
func (c Channel) Check(v int64) error {
	if !c.Domain.Contains(v) {
		return fmt.Errorf("%w: %s=%d not in %s", ErrOutOfDomain, c.ID, v, c.Domain)
	}
	return nil
}

// Map is an ordered, case-insensitive set of channels.
// It is immutable once built.
type Map struct {
	channels []Channel
	index    map[string]int // canonical key -> position in channels
}

// canonical normalises an external identifier or field name for lookup.
func canonical(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NewMap builds a Map from channels in the given order. Field is derived
// from ID when left empty; Kind defaults to sensor.
func NewMap(channels ...Channel) (*Map, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidChannel)
	}

	m := &Map{
		channels: make([]Channel, 0, len(channels)),
		index:    make(map[string]int, len(channels)),
	}
	for _, ch := range channels {
		ch.ID = strings.TrimSpace(ch.ID)
		if ch.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrInvalidChannel)
		}
		key := canonical(ch.ID)
		if ch.Field == "" {
			ch.Field = key
		}
		ch.Field = canonical(ch.Field)
		if ch.Kind == "" {
			ch.Kind = KindSensor
		}
		if !validKind(ch.Kind) {
			return nil, fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidChannel, ch.ID, ch.Kind)
		}
		if _, dup := m.index[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.ID)
		}
		if _, dup := m.index[ch.Field]; dup && ch.Field != key {
			return nil, fmt.Errorf("%w: field %s", ErrDuplicateChannel, ch.Field)
		}

		m.index[key] = len(m.channels)
		if ch.Field != key {
			m.index[ch.Field] = len(m.channels)
		}
		m.channels = append(m.channels, ch)
	}
	return m, nil
}

func validKind(k Kind) bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Default returns the water tank pump map: V0 motor, V1 bottom float,
// V2 top float and V3 status, all binary.
func Default() *Map {
	m, err := NewMap(
		Channel{ID: "V0", Name: "motor", Kind: KindActuator, Domain: Binary()},
		Channel{ID: "V1", Name: "bottom_float", Kind: KindSensor, Domain: Binary()},
		Channel{ID: "V2", Name: "top_float", Kind: KindSensor, Domain: Binary()},
		Channel{ID: "V3", Name: "status", Kind: KindStatus, Domain: Binary()},
	)
	if err != nil {
		panic(err) // static definition above is valid
	}
	return m
}

// NewMapFromConfig builds a Map from the channels: section of config.yaml.
// An empty section yields Default().
func NewMapFromConfig(cfgs []config.ChannelConfig) (*Map, error) {
	if len(cfgs) == 0 {
		return Default(), nil
	}
	channels := make([]Channel, 0, len(cfgs))
	for _, c := range cfgs {
		channels = append(channels, Channel{
			ID:     c.ID,
			Name:   c.Name,
			Kind:   Kind(strings.ToLower(c.Kind)),
			Domain: Bounds(c.Min, c.Max),
		})
	}
	return NewMap(channels...)
}

// Resolve looks up a channel by relay identifier or field name, ignoring
// case and surrounding whitespace. Resolve("V0") and Resolve("v0") return
// the same channel.
func (m *Map) Resolve(id string) (Channel, bool) {
	i, ok := m.index[canonical(id)]
	if !ok {
		return Channel{}, false
	}
	return m.channels[i], true
}

// Lookup is Resolve returning ErrNotFound instead of a bool.
func (m *Map) Lookup(id string) (Channel, error) {
	ch, ok := m.Resolve(id)
	if !ok {
		return Channel{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ch, nil
}

// All returns the channels in configured order. The slice is a copy.
func (m *Map) All() []Channel {
	out := make([]Channel, len(m.channels))
	copy(out, m.channels)
	return out
}

// IDs returns the relay identifiers in configured order.
func (m *Map) IDs() []string {
	ids := make([]string, len(m.channels))
	for i, ch := range m.channels {
		ids[i] = ch.ID
	}
	return ids
}

// Fields returns the canonical field names in configured order.
func (m *Map) Fields() []string {
	fields := make([]string, len(m.channels))
	for i, ch := range m.channels {
		fields[i] = ch.Field
	}
	return fields
}

// Len returns the number of channels.
func (m *Map) Len() int {
	return len(m.channels)
}

// ByName returns the first channel with the given display name, ignoring
// case.
func (m *Map) ByName(name string) (Channel, bool) {
	name = canonical(name)
	for _, ch := range m.channels {
		if canonical(ch.Name) == name {
			return ch, true
		}
	}
	return Channel{}, false
}
