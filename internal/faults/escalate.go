package faults

import (
	"log/slog"
	"sync"
	"time"
)

// EscalationHandler observes a crossed threshold. Escalation is
// observability only; it never changes retry or recovery behaviour.
type EscalationHandler func(key EscalationKey, failures []Failure)

// EscalationKey identifies the counting bucket.
type EscalationKey struct {
	Operation string
	AgentID   string
}

// EscalatorConfig bounds the sliding window.
type EscalatorConfig struct {
	Window      time.Duration `json:"window" envconfig:"WINDOW"`
	Threshold   int           `json:"threshold" envconfig:"THRESHOLD"`
	MinSeverity Severity      `json:"minSeverity" envconfig:"MIN_SEVERITY"`
}

// DefaultEscalatorConfig returns sensible escalation defaults.
func DefaultEscalatorConfig() EscalatorConfig {
	return EscalatorConfig{
		Window:      5 * time.Minute,
		Threshold:   5,
		MinSeverity: SeverityMedium,
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Escalator counts qualifying failures per (operation, agent) pair within a
// sliding time window and invokes registered handlers once the threshold is
// crossed.
type Escalator struct {
	mu       sync.Mutex
	cfg      EscalatorConfig
	buckets  map[EscalationKey][]Failure
	handlers []EscalationHandler
	now      func() time.Time
}

// EscalatorOption configures an Escalator.
type EscalatorOption func(*Escalator)

// WithEscalatorClock injects the time source for tests.
func WithEscalatorClock(now func() time.Time) EscalatorOption {
	return func(e *Escalator) { e.now = now }
}

// NewEscalator creates an escalation tracker.
func NewEscalator(cfg EscalatorConfig, opts ...EscalatorOption) *Escalator {
	def := DefaultEscalatorConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = def.MinSeverity
	}
	e := &Escalator{
		cfg:     cfg,
		buckets: make(map[EscalationKey][]Failure),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnEscalation registers a handler.
func (e *Escalator) OnEscalation(h EscalationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Record counts one failure. Failures below the configured severity are
// ignored. When a bucket crosses the threshold its handlers fire and the
// bucket resets.
func (e *Escalator) Record(failure Failure) {
	if severityRank(failure.Severity) < severityRank(e.cfg.MinSeverity) {
		return
	}

	key := EscalationKey{Operation: failure.Operation, AgentID: failure.AgentID}
	now := e.now()
	cutoff := now.Add(-e.cfg.Window)

	e.mu.Lock()
	kept := e.buckets[key][:0]
	for _, f := range e.buckets[key] {
		if f.Timestamp.After(cutoff) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, failure)
	e.buckets[key] = kept

	var fire []Failure
	var handlers []EscalationHandler
	if len(kept) >= e.cfg.Threshold {
		fire = append([]Failure(nil), kept...)
		handlers = append([]EscalationHandler(nil), e.handlers...)
		e.buckets[key] = nil
	}
	e.mu.Unlock()

	if fire != nil {
		slog.Warn("Escalation threshold crossed",
			"operation", key.Operation, "agent", key.AgentID, "failures", len(fire))
		for _, h := range handlers {
			h(key, fire)
		}
	}
}

// Count returns the live window count for a bucket.
func (e *Escalator) Count(key EscalationKey) int {
	cutoff := e.now().Add(-e.cfg.Window)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, f := range e.buckets[key] {
		if f.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}
