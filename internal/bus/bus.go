// Package bus provides the in-memory event bus for component communication.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record published on the bus. ID and Timestamp are
// stamped at publish time if absent.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Target        string         `json:"target,omitempty"`
	Priority      int            `json:"priority"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Handler consumes a delivered event. A returned error is logged and does not
// stop delivery to other handlers.
type Handler func(Event) error

// Config holds event bus settings.
type Config struct {
	HistorySize int `json:"historySize" envconfig:"HISTORY_SIZE"`
}

// DefaultConfig returns sensible bus defaults.
func DefaultConfig() Config {
	return Config{HistorySize: 10000}
}

type subscription struct {
	id      uint64
	pattern string
	exact   bool
	handler Handler
}

// Subscription is the handle returned by Subscribe. Unsubscribe removes the
// handler; it is safe to call more than once.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
}

// Bus is the in-memory publish/subscribe hub. Delivery is synchronous and in
// subscription order; pattern subscribers are delivered after exact ones.
type Bus struct {
	mu           sync.RWMutex
	cfg          Config
	nextSubID    uint64
	exact        map[string][]*subscription
	patterns     []*subscription
	rules        []RoutingRule
	history      []Event
	historyStart int
	correlations map[string][]string
	published    uint64
	dropped      uint64
}

// New creates an event bus with the given config.
func New(cfg Config) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Bus{
		cfg:          cfg,
		exact:        make(map[string][]*subscription),
		correlations: make(map[string][]string),
	}
}

// Subscribe registers a handler for an exact event type or a glob pattern
// (see MatchPattern). Returns an unsubscribe handle.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{
		id:      b.nextSubID,
		pattern: pattern,
		exact:   !isPattern(pattern),
		handler: handler,
	}
	if sub.exact {
		b.exact[pattern] = append(b.exact[pattern], sub)
	} else {
		b.patterns = append(b.patterns, sub)
	}
	return &Subscription{bus: b, id: sub.id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for typ, subs := range b.exact {
		for i, s := range subs {
			if s.id == id {
				b.exact[typ] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, s := range b.patterns {
		if s.id == id {
			b.patterns = append(b.patterns[:i:i], b.patterns[i+1:]...)
			return
		}
	}
}

// AddRule installs a routing rule. Rules are evaluated at publish time in
// descending priority order, each producing zero or more derived events that
// are delivered alongside the original.
func (b *Bus) AddRule(rule RoutingRule) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rules = append(b.rules, rule)
	sort.SliceStable(b.rules, func(i, j int) bool {
		return b.rules[i].Priority > b.rules[j].Priority
	})
}

// RemoveRule deletes a rule by id. Returns false if no such rule exists.
func (b *Bus) RemoveRule(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.rules {
		if r.ID == id {
			b.rules = append(b.rules[:i:i], b.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Publish stamps the event, records it in the bounded history, expands it
// through the routing rules and delivers every resulting event synchronously.
// Handler errors and panics are logged and do not interrupt fan-out.
func (b *Bus) Publish(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.appendHistory(event)
	b.published++
	if event.CorrelationID != "" {
		b.correlations[event.CorrelationID] = append(b.correlations[event.CorrelationID], event.ID)
	}
	rules := make([]RoutingRule, len(b.rules))
	copy(rules, b.rules)
	b.mu.Unlock()

	toDeliver := []Event{event}
	for _, rule := range rules {
		if !rule.matches(event) {
			continue
		}
		for _, derived := range rule.apply(event) {
			if derived.ID == "" || derived.ID == event.ID {
				derived.ID = uuid.NewString()
			}
			if derived.Timestamp.IsZero() {
				derived.Timestamp = event.Timestamp
			}
			toDeliver = append(toDeliver, derived)
		}
	}

	for _, e := range toDeliver {
		b.deliver(e)
	}
	return event
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	handlers := make([]*subscription, 0, len(b.exact[event.Type])+len(b.patterns))
	handlers = append(handlers, b.exact[event.Type]...)
	for _, s := range b.patterns {
		if MatchPattern(s.pattern, event.Type) {
			handlers = append(handlers, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		b.invoke(s, event)
	}
}

func (b *Bus) invoke(s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "type", event.Type, "event", event.ID, "panic", r)
		}
	}()
	if err := s.handler(event); err != nil {
		slog.Warn("Event handler failed", "type", event.Type, "event", event.ID, "error", err)
	}
}

// appendHistory adds to the ring buffer, dropping the oldest entry when full.
// Caller holds b.mu.
func (b *Bus) appendHistory(event Event) {
	if len(b.history) < b.cfg.HistorySize {
		b.history = append(b.history, event)
		return
	}
	b.history[b.historyStart] = event
	b.historyStart = (b.historyStart + 1) % len(b.history)
	b.dropped++
}

// Correlate appends an event id to a correlation index entry.
func (b *Bus) Correlate(correlationID, eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.correlations[correlationID] = append(b.correlations[correlationID], eventID)
}

// CorrelatedEvents returns the ids recorded under a correlation id, in
// insertion order.
func (b *Bus) CorrelatedEvents(correlationID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := b.correlations[correlationID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// ReplayFilter selects historical events for Replay. Zero values match
// everything.
type ReplayFilter struct {
	Type          string
	Source        string
	CorrelationID string
	Since         time.Time
}

func (f ReplayFilter) matches(e Event) bool {
	if f.Type != "" && !MatchPattern(f.Type, e.Type) {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Replay re-publishes matching historical events in chronological order with
// fresh ids. Returns the number of events replayed.
func (b *Bus) Replay(filter ReplayFilter) int {
	events := b.History(filter)
	for i := range events {
		events[i].ID = ""
		events[i].Timestamp = time.Time{}
		b.Publish(events[i])
	}
	return len(events)
}

// History returns matching retained events in chronological order.
func (b *Bus) History(filter ReplayFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	for i := 0; i < len(b.history); i++ {
		e := b.history[(b.historyStart+i)%len(b.history)]
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Stats reports bus counters.
type Stats struct {
	Published     uint64 `json:"published"`
	HistoryLen    int    `json:"history_len"`
	Dropped       uint64 `json:"dropped"`
	Subscriptions int    `json:"subscriptions"`
	Rules         int    `json:"rules"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := len(b.patterns)
	for _, s := range b.exact {
		subs += len(s)
	}
	return Stats{
		Published:     b.published,
		HistoryLen:    len(b.history),
		Dropped:       b.dropped,
		Subscriptions: subs,
		Rules:         len(b.rules),
	}
}
