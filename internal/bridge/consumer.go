package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Message is one inbound record from the coordination topic.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Consumer abstracts the inbound transport so tests can run without Kafka.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan Message
	Close() error
}

// KafkaConsumer reads the coordination topic through segmentio/kafka-go.
type KafkaConsumer struct {
	brokers string
	group   string
	topic   string

	mu       sync.Mutex
	reader   *kafka.Reader
	messages chan Message
}

// NewKafkaConsumer creates a consumer for one topic within a consumer group.
func NewKafkaConsumer(brokers, group, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:  brokers,
		group:    group,
		topic:    topic,
		messages: make(chan Message, 100),
	}
}

// Start launches the read loop. Read errors are logged and retried; the loop
// exits when ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	go func() {
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("bridge consumer: read error", "topic", c.topic, "error", err)
				continue
			}
			select {
			case c.messages <- Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Messages returns the channel of consumed records.
func (c *KafkaConsumer) Messages() <-chan Message {
	return c.messages
}

// Close stops the underlying reader.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

// ChannelConsumer is an in-process Consumer used by tests and embedded
// setups.
type ChannelConsumer struct {
	ch chan Message
}

// NewChannelConsumer creates a consumer fed directly through Inject.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan Message, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(context.Context) error { return nil }

// Inject delivers a record as if it had been read from the topic.
func (c *ChannelConsumer) Inject(msg Message) {
	c.ch <- msg
}

// Messages returns the channel of injected records.
func (c *ChannelConsumer) Messages() <-chan Message {
	return c.ch
}

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	close(c.ch)
	return nil
}
