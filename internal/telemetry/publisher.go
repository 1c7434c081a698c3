package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/koios/hass-renderer/internal/config"
	"go.uber.org/zap"
)

// publishTimeout bounds each message sent to the sink
const publishTimeout = 5 * time.Second

// PublishOptions are the delivery settings of one message
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Sink is a pub/sub transport for telemetry messages
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Close() error
}

// Publisher announces devices to Home Assistant through MQTT discovery and
// publishes their state. Records are queued and sent by a single background
// worker.
type Publisher struct {
	sink            Sink
	discoveryPrefix string
	statePrefix     string
	logger          *zap.Logger

	mu      sync.Mutex
	pending map[string]*Record
	order   []string
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewPublisher creates a new publisher on sink and starts its worker
func NewPublisher(sink Sink, cfg config.TelemetryConfig, logger *zap.Logger) *Publisher {
	p := &Publisher{
		sink:            sink,
		discoveryPrefix: strings.TrimSuffix(cfg.DiscoveryPrefix, "/"),
		statePrefix:     strings.TrimSuffix(cfg.StatePrefix, "/"),
		logger:          logger,
		pending:         make(map[string]*Record),
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue schedules record for publishing and returns immediately. A record
// still waiting for the same device is replaced, so only the latest state is
// sent.
func (p *Publisher) Enqueue(record *Record) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("Publisher closed, dropping telemetry", zap.String("device", record.Name))
		return
	}
	if _, queued := p.pending[record.Name]; !queued {
		p.order = append(p.order, record.Name)
	}
	p.pending[record.Name] = record
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.done:
			p.drain()
			return
		}
	}
}

// drain publishes queued records in arrival order until the queue is empty
func (p *Publisher) drain() {
	for {
		record, ok := p.next()
		if !ok {
			return
		}
		p.publish(context.Background(), record)
	}
}

func (p *Publisher) next() (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return nil, false
	}
	name := p.order[0]
	p.order = p.order[1:]
	record := p.pending[name]
	delete(p.pending, name)
	return record, true
}

// DiscoveryConfig is the Home Assistant MQTT discovery payload of the battery
// sensor of one device
type DiscoveryConfig struct {
	UniqueID            string          `json:"unique_id"`
	Name                string          `json:"name"`
	StateTopic          string          `json:"state_topic"`
	ValueTemplate       string          `json:"value_template"`
	JSONAttributesTopic string          `json:"json_attributes_topic"`
	DeviceClass         string          `json:"device_class"`
	UnitOfMeasurement   string          `json:"unit_of_measurement"`
	StateClass          string          `json:"state_class"`
	Device              DiscoveryDevice `json:"device"`
}

// DiscoveryDevice groups all entities of one e-reader in Home Assistant
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

// publish sends the discovery and state messages for record. Each message is
// sent independently and failures are only logged.
func (p *Publisher) publish(ctx context.Context, record *Record) {
	slug := Slug(record.Name)
	if slug == "" {
		p.logger.Warn("Device name has no usable characters for a topic", zap.String("device", record.Name))
		return
	}

	descriptor, err := json.Marshal(p.descriptor(record, slug))
	if err != nil {
		p.logger.Warn("Failed to encode discovery config", zap.String("device", record.Name), zap.Error(err))
	} else {
		p.send(ctx, p.DescriptorTopic(record.Name), descriptor)
	}

	state, err := json.Marshal(record)
	if err != nil {
		p.logger.Warn("Failed to encode device state", zap.String("device", record.Name), zap.Error(err))
		return
	}
	p.send(ctx, p.StateTopic(record.Name), state)
}

// Close sends what is still queued, stops the worker and closes the sink
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	<-p.stopped
	return p.sink.Close()
}

// DescriptorTopic is the discovery topic of a device's battery sensor
func (p *Publisher) DescriptorTopic(name string) string {
	return fmt.Sprintf("%s/sensor/%s_battery/config", p.discoveryPrefix, Slug(name))
}

// StateTopic is the topic carrying a device's full record
func (p *Publisher) StateTopic(name string) string {
	return fmt.Sprintf("%s/%s/state", p.statePrefix, Slug(name))
}

func (p *Publisher) descriptor(record *Record, slug string) DiscoveryConfig {
	stateTopic := p.StateTopic(record.Name)
	model, _ := record.Attributes["model"].(string)

	return DiscoveryConfig{
		UniqueID:            slug + "_battery",
		Name:                record.Name + " Battery",
		StateTopic:          stateTopic,
		ValueTemplate:       "{{ value_json.battery_level }}",
		JSONAttributesTopic: stateTopic,
		DeviceClass:         "battery",
		UnitOfMeasurement:   "%",
		StateClass:          "measurement",
		Device: DiscoveryDevice{
			Identifiers:  []string{p.statePrefix + "_" + slug},
			Name:         record.Name,
			Manufacturer: "hass-renderer",
			Model:        model,
		},
	}
}

func (p *Publisher) send(ctx context.Context, topic string, payload []byte) {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.sink.Publish(publishCtx, topic, payload, PublishOptions{QoS: 1, Retain: true}); err != nil {
		p.logger.Warn("Failed to publish telemetry",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}

	p.logger.Debug("Published telemetry", zap.String("topic", topic), zap.Int("size", len(payload)))
}

// Slug lowercases name and replaces every run of characters outside [a-z0-9]
// with a single underscore.
func Slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
