package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/coord"
)

type captureProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *captureProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) all() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]kafka.Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

type captureCoordinator struct {
	reqs chan coord.Request
}

func (c *captureCoordinator) RequestCoordination(req coord.Request) (string, error) {
	c.reqs <- req
	return "req-1", nil
}

func TestMirrorsBusEventsToTopic(t *testing.T) {
	events := bus.New(bus.Config{})
	producer := &captureProducer{}
	cfg := DefaultConfig()
	cfg.MirrorPattern = "workflow.*"

	b := New(cfg, events, &captureCoordinator{reqs: make(chan coord.Request, 1)},
		WithProducer(producer))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	events.Publish(bus.Event{Type: "workflow.started", Source: "manager"})
	events.Publish(bus.Event{Type: "cache.hit", Source: "cache"})

	msgs := producer.all()
	if len(msgs) != 1 {
		t.Fatalf("expected only matching events mirrored, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "workflow.started" {
		t.Errorf("message key = %q, want event type", msgs[0].Key)
	}
	var ev bus.Event
	if err := json.Unmarshal(msgs[0].Value, &ev); err != nil {
		t.Fatalf("mirrored payload not valid JSON: %v", err)
	}
	if ev.Source != "manager" || ev.ID == "" {
		t.Errorf("mirrored event lost fields: %+v", ev)
	}
}

func TestInboundRequestsReachCoordinator(t *testing.T) {
	events := bus.New(bus.Config{})
	consumer := NewChannelConsumer()
	coordinator := &captureCoordinator{reqs: make(chan coord.Request, 1)}

	b := New(DefaultConfig(), events, coordinator, WithConsumer(consumer))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	req := coord.Request{
		SourceAgentID: "remote-agent",
		Mode:          coord.Sequential,
		Task:          "summarize the incident report",
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	consumer.Inject(Message{Topic: "voltagent.coordination", Value: payload})

	select {
	case got := <-coordinator.reqs:
		if got.SourceAgentID != "remote-agent" || got.Task != req.Task {
			t.Errorf("coordinator received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordination request never reached the coordinator")
	}
}

func TestMalformedInboundIsDropped(t *testing.T) {
	events := bus.New(bus.Config{})
	consumer := NewChannelConsumer()
	coordinator := &captureCoordinator{reqs: make(chan coord.Request, 1)}

	b := New(DefaultConfig(), events, coordinator, WithConsumer(consumer))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	consumer.Inject(Message{Topic: "voltagent.coordination", Value: []byte("{not json")})

	select {
	case got := <-coordinator.reqs:
		t.Fatalf("malformed payload reached coordinator: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisabledBridgeIsInert(t *testing.T) {
	events := bus.New(bus.Config{})
	b := New(Config{}, events, &captureCoordinator{reqs: make(chan coord.Request, 1)})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Stop()
}
