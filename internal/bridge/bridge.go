// Package bridge connects the in-process event bus to Kafka. Outbound, it
// mirrors selected bus events onto a topic so external systems can observe
// the orchestrator. Inbound, it consumes coordination requests published by
// remote peers and enqueues them with the local coordination engine.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/coord"
)

// Config wires the bridge to a Kafka cluster. The bridge stays inert until
// Brokers is set.
type Config struct {
	Brokers       string `json:"brokers" envconfig:"BROKERS"`
	MirrorTopic   string `json:"mirror_topic" envconfig:"MIRROR_TOPIC"`
	MirrorPattern string `json:"mirror_pattern" envconfig:"MIRROR_PATTERN"`
	ConsumeTopic  string `json:"consume_topic" envconfig:"CONSUME_TOPIC"`
	ConsumerGroup string `json:"consumer_group" envconfig:"CONSUMER_GROUP"`
}

// DefaultConfig returns bridge settings for a local single-broker setup.
func DefaultConfig() Config {
	return Config{
		MirrorTopic:   "voltagent.events",
		MirrorPattern: "*",
		ConsumeTopic:  "voltagent.coordination",
		ConsumerGroup: "voltagent",
	}
}

// Enabled reports whether the bridge has a cluster to talk to.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Brokers) != ""
}

// Producer is the outbound Kafka surface. *kafka.Writer satisfies it.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Coordinator is the slice of the coordination engine the bridge needs.
type Coordinator interface {
	RequestCoordination(req coord.Request) (string, error)
}

// Bridge mirrors bus traffic out and feeds remote requests in.
type Bridge struct {
	cfg      Config
	events   *bus.Bus
	coord    Coordinator
	producer Producer
	consumer Consumer

	mu     sync.Mutex
	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Bridge. Used mainly to substitute transports in tests.
type Option func(*Bridge)

// WithProducer replaces the Kafka writer.
func WithProducer(p Producer) Option {
	return func(b *Bridge) { b.producer = p }
}

// WithConsumer replaces the Kafka reader.
func WithConsumer(c Consumer) Option {
	return func(b *Bridge) { b.consumer = c }
}

// New builds a bridge over the given bus and coordinator. Real Kafka
// transports are created lazily in Start from cfg unless options injected
// replacements.
func New(cfg Config, events *bus.Bus, coordinator Coordinator, opts ...Option) *Bridge {
	b := &Bridge{cfg: cfg, events: events, coord: coordinator}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to the bus and begins consuming the inbound topic. It is
// a no-op when the bridge is not enabled and no transports were injected.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if b.producer == nil && b.consumer == nil {
		if !b.cfg.Enabled() {
			slog.Info("bridge disabled: no brokers configured")
			return nil
		}
		brokers := strings.Split(b.cfg.Brokers, ",")
		b.producer = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        b.cfg.MirrorTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
		b.consumer = NewKafkaConsumer(b.cfg.Brokers, b.cfg.ConsumerGroup, b.cfg.ConsumeTopic)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.producer != nil {
		pattern := b.cfg.MirrorPattern
		if pattern == "" {
			pattern = "*"
		}
		b.sub = b.events.Subscribe(pattern, func(ev bus.Event) error {
			return b.mirror(runCtx, ev)
		})
	}

	if b.consumer != nil {
		if err := b.consumer.Start(runCtx); err != nil {
			cancel()
			b.cancel = nil
			return fmt.Errorf("failed to start bridge consumer: %w", err)
		}
		b.wg.Add(1)
		go b.consumeLoop(runCtx)
	}

	slog.Info("bridge started",
		"mirror_topic", b.cfg.MirrorTopic,
		"consume_topic", b.cfg.ConsumeTopic)
	return nil
}

// Stop tears down the subscription and transports.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.cancel == nil {
		b.mu.Unlock()
		return
	}
	b.cancel()
	b.cancel = nil
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
	consumer := b.consumer
	producer := b.producer
	b.mu.Unlock()

	if consumer != nil {
		consumer.Close()
	}
	b.wg.Wait()
	if producer != nil {
		producer.Close()
	}
}

func (b *Bridge) mirror(ctx context.Context, ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(ev.Type),
		Value: payload,
		Time:  ev.Timestamp,
	}
	if err := b.producer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to mirror event %s: %w", ev.ID, err)
	}
	return nil
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.consumer.Messages():
			if !ok {
				return
			}
			b.handleInbound(msg)
		}
	}
}

func (b *Bridge) handleInbound(msg Message) {
	var req coord.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		slog.Warn("bridge: dropping malformed coordination request",
			"topic", msg.Topic, "error", err)
		return
	}
	id, err := b.coord.RequestCoordination(req)
	if err != nil {
		slog.Warn("bridge: coordination request rejected",
			"topic", msg.Topic, "error", err)
		return
	}
	slog.Debug("bridge: enqueued remote coordination request", "request_id", id)
}
