package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/digiblynk/pumpcore/internal/channel"
)

// SetCall records one Fake.Set invocation.
type SetCall struct {
	Channel string
	Value   int64
}

// Fake is an in-memory Client with scripted values and failures.
// Channel identifiers are matched case-insensitively. It is safe for
// concurrent use.
type Fake struct {
	mu      sync.Mutex
	values  map[string]string
	getErrs map[string]error
	setErr  error
	delay   time.Duration
	sets    []SetCall
	gets    int
}

// NewFake creates a Fake with no values.
func NewFake() *Fake {
	return &Fake{
		values:  make(map[string]string),
		getErrs: make(map[string]error),
	}
}

func fakeKey(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// SetRaw scripts the raw text Get will parse for channelID.
func (f *Fake) SetRaw(channelID, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[fakeKey(channelID)] = raw
	delete(f.getErrs, fakeKey(channelID))
}

// FailGet makes Get for channelID return err.
func (f *Fake) FailGet(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErrs[fakeKey(channelID)] = err
}

// FailSet makes every Set return err. Nil restores success.
func (f *Fake) FailSet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErr = err
}

// SetDelay makes every call wait d or until the context ends.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Sets returns the acknowledged and failed Set calls in order.
func (f *Fake) Sets() []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SetCall, len(f.sets))
	copy(out, f.sets)
	return out
}

// Gets returns how many Get calls were made.
func (f *Fake) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: timeout", ErrUnavailable)
	}
}

// Get implements Client.
func (f *Fake) Get(ctx context.Context, channelID string) (int64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++

	key := fakeKey(channelID)
	if err := f.getErrs[key]; err != nil {
		return 0, err
	}
	raw, ok := f.values[key]
	if !ok {
		return 0, fmt.Errorf("%w: get: status 400: pin %s has no value", ErrRejected, channelID)
	}
	v, err := channel.ParseValue(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidValue, channelID, err)
	}
	return v, nil
}

// Set implements Client. A successful Set also updates the value Get returns.
func (f *Fake) Set(ctx context.Context, channelID string, value int64) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, SetCall{Channel: channelID, Value: value})
	if f.setErr != nil {
		return f.setErr
	}
	f.values[fakeKey(channelID)] = fmt.Sprint(value)
	return nil
}
