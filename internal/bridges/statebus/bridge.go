package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digiblynk/pumpcore/internal/infrastructure/mqtt"
	"github.com/digiblynk/pumpcore/internal/ingest"
	"github.com/digiblynk/pumpcore/internal/state"
)

const (
	// pushTimeout bounds one inbound push, store round-trip included.
	pushTimeout = 5 * time.Second

	// publishQueueSize is the number of committed results buffered for
	// publication. Overflow drops the result; the next commit republishes
	// the full record.
	publishQueueSize = 64

	qos = 1
)

// MQTTClient is the subset of *mqtt.Client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Ingester applies one inbound push. *ingest.Webhook implements it.
type Ingester interface {
	Ingest(ctx context.Context, p ingest.Push) (state.AppliedResult, error)
}

// Logger defines the logging interface used by the bridge.
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

// Options configures a Bridge.
type Options struct {
	DeviceID string
	Topics   mqtt.Topics
	MQTT     MQTTClient
	Ingester Ingester
	Logger   Logger
}

// Bridge connects the MQTT bus to the state core in both directions:
// pushes on pumpcore/push/{device}/{channel} are ingested with the mqtt
// origin, and every committed batch is republished as a retained record
// on pumpcore/state/{device}.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	deviceID string
	topics   mqtt.Topics
	mqtt     MQTTClient
	ingester Ingester
	logger   Logger

	queue chan state.AppliedResult

	received  atomic.Uint64
	rejected  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopMu    sync.RWMutex
	stopped   bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates a bridge. MQTT and Ingester are required.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("statebus: MQTT client is required")
	}
	if opts.Ingester == nil {
		return nil, errors.New("statebus: ingester is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("statebus: device id is required")
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		deviceID:  opts.DeviceID,
		topics:    opts.Topics,
		mqtt:      opts.MQTT,
		ingester:  opts.Ingester,
		logger:    logger,
		queue:     make(chan state.AppliedResult, publishQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
	}, nil
}

// Start subscribes to the device's push topics and starts the publisher.
func (b *Bridge) Start(_ context.Context) error {
	topic := b.topics.AllPushes(b.deviceID)
	if err := b.mqtt.Subscribe(topic, qos, b.handlePush); err != nil {
		return fmt.Errorf("subscribe to pushes: %w", err)
	}
	b.logger.Info("subscribed to pushes", "topic", topic)

	b.wg.Add(1)
	go b.publishLoop()
	return nil
}

// Stop cancels in-flight pushes, drains queued publications and waits
// for the publisher to exit.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopMu.Lock()
		b.stopped = true
		b.stopMu.Unlock()

		b.ctxCancel()
		close(b.done)
		b.wg.Wait()
		b.logger.Info("state bus stopped")
	})
}

// OnApplied queues result for publication. It never blocks, so it is safe
// to register with state.Reconciler.OnApplied.
func (b *Bridge) OnApplied(_ context.Context, result state.AppliedResult) {
	if !result.Written() || result.DeviceID != b.deviceID {
		return
	}
	select {
	case b.queue <- result:
	default:
		b.dropped.Add(1)
		b.logger.Warn("state publication dropped, queue full", "device_id", result.DeviceID)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case res := <-b.queue:
			b.publish(res)
		case <-b.done:
			for {
				select {
				case res := <-b.queue:
					b.publish(res)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(res state.AppliedResult) {
	if !b.mqtt.IsConnected() {
		b.dropped.Add(1)
		b.logger.Debug("state publication skipped, broker not connected", "device_id", res.DeviceID)
		return
	}
	payload, err := json.Marshal(newStateMessage(res))
	if err != nil {
		b.logger.Error("encoding state message", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(res.DeviceID), payload, qos, true); err != nil {
		b.logger.Warn("publishing state failed", "device_id", res.DeviceID, "error", err)
		return
	}
	b.published.Add(1)
}

// handlePush ingests one pumpcore/push/{device}/{channel} message. The
// payload is the value as text ("1") or a JSON object {"value": ...}.
func (b *Bridge) handlePush(topic string, payload []byte) error {
	b.received.Add(1)

	deviceID, channelID, ok := b.topics.ParsePush(topic)
	if !ok || deviceID != b.deviceID {
		b.rejected.Add(1)
		return fmt.Errorf("unexpected push topic %q", topic)
	}

	b.stopMu.RLock()
	if b.stopped {
		b.stopMu.RUnlock()
		return nil
	}
	b.wg.Add(1)
	b.stopMu.RUnlock()
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, pushTimeout)
	defer cancel()

	res, err := b.ingester.Ingest(ctx, ingest.Push{
		Channel: channelID,
		Value:   pushValue(payload),
		Origin:  state.OriginMQTT,
	})
	if err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("ingesting %s push: %w", channelID, err)
	}
	b.logger.Debug("mqtt push applied", "device_id", deviceID, "channel", channelID, "changed", res.Changed)
	return nil
}

// pushValue extracts the value text from a raw payload or a
// {"value": ...} object.
func pushValue(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(text, "{") {
		return text
	}
	var obj struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(text), &obj); err != nil || len(obj.Value) == 0 {
		return ""
	}
	return string(obj.Value)
}

// stateMessage is the retained payload on the state topic.
type stateMessage struct {
	DeviceID    string           `json:"device_id"`
	Fields      map[string]int64 `json:"fields"`
	LastUpdated string           `json:"last_updated"`
	Origin      state.Origin     `json:"origin"`
	Changed     []string         `json:"changed"`
}

func newStateMessage(res state.AppliedResult) stateMessage {
	msg := stateMessage{
		DeviceID: res.DeviceID,
		Fields:   res.Record.Fields,
		Origin:   res.Origin,
		Changed:  res.Changed,
	}
	if res.LastUpdated != nil {
		msg.LastUpdated = res.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	if msg.Changed == nil {
		msg.Changed = []string{}
	}
	return msg
}

// Metrics contains bridge counters for the API metrics endpoint.
type Metrics struct {
	Connected bool   `json:"connected"`
	Received  uint64 `json:"pushes_received"`
	Rejected  uint64 `json:"pushes_rejected"`
	Published uint64 `json:"states_published"`
	Dropped   uint64 `json:"states_dropped"`
}

// GetMetrics returns the current counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		Connected: b.mqtt.IsConnected(),
		Received:  b.received.Load(),
		Rejected:  b.rejected.Load(),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}
