// Package balancer provides agent selection and the pending-request queue.
package balancer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Strategy selects how an agent is picked among eligible candidates.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Weighted         Strategy = "weighted"
	Performance      Strategy = "performance"
)

// ewmaAlpha is the smoothing factor for response-time averaging.
const ewmaAlpha = 0.2

// AgentLoad is the per-agent record tracked by the balancer.
type AgentLoad struct {
	AgentID         string   `json:"agent_id"`
	CurrentLoad     float64  `json:"current_load"` // ActiveRequests / MaxCapacity
	MaxCapacity     int      `json:"max_capacity"`
	Weight          float64  `json:"weight"`
	AvgResponseTime float64  `json:"avg_response_time_ms"`
	SuccessRate     float64  `json:"success_rate"`
	ActiveRequests  int      `json:"active_requests"`
	TotalRequests   uint64   `json:"total_requests"`
	Healthy         bool     `json:"healthy"`
	Capabilities    []string `json:"capabilities"`

	successCount uint64
}

// Assignment is a unit of work submitted for execution by some agent.
// Exclude names an agent that must not be selected, used when pairing a
// source agent with a distinct target.
type Assignment struct {
	ID           string   `json:"id"`
	Task         string   `json:"task"`
	Requirements []string `json:"requirements,omitempty"`
	Exclude      string   `json:"exclude,omitempty"`
}

// Selection is the result of SelectAgent. AgentID is empty when no agent
// qualified; Reason explains either outcome.
type Selection struct {
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason"`
}

// RegisterOptions configures a newly registered agent.
type RegisterOptions struct {
	MaxCapacity  int
	Weight       float64
	Capabilities []string
}

// Config holds balancer settings.
type Config struct {
	Strategy        Strategy      `json:"strategy" envconfig:"STRATEGY"`
	QueueInterval   time.Duration `json:"queueInterval" envconfig:"QUEUE_INTERVAL"`
	HealthInterval  time.Duration `json:"healthInterval" envconfig:"HEALTH_INTERVAL"`
	DefaultTimeout  time.Duration `json:"defaultTimeout" envconfig:"DEFAULT_TIMEOUT"`
	IdleDecayFactor float64       `json:"idleDecayFactor"`
}

// DefaultConfig returns sensible balancer defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:        RoundRobin,
		QueueInterval:   time.Second,
		HealthInterval:  5 * time.Second,
		DefaultTimeout:  5 * time.Minute,
		IdleDecayFactor: 0.5,
	}
}

// QueuedAssignment is a pending request waiting for an eligible agent.
type QueuedAssignment struct {
	ID         string        `json:"id"`
	Assignment Assignment    `json:"assignment"`
	Timestamp  time.Time     `json:"timestamp"`
	Priority   int           `json:"priority"`
	Timeout    time.Duration `json:"timeout"`
}

// Balancer tracks agent load and selects agents for assignments. Background
// ticks drain the queue, decay idle load and re-evaluate health.
type Balancer struct {
	mu         sync.Mutex
	cfg        Config
	agents     map[string]*AgentLoad
	inflight   map[string]string // assignment id -> agent id
	queue      []QueuedAssignment
	rrIndex    int
	onDispatch func(QueuedAssignment, string)
	onTimeout  func(QueuedAssignment)
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithClock injects the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// WithDispatchHandler receives queue entries once an agent is matched.
func WithDispatchHandler(fn func(QueuedAssignment, string)) Option {
	return func(b *Balancer) { b.onDispatch = fn }
}

// WithTimeoutHandler receives queue entries dropped after their timeout.
func WithTimeoutHandler(fn func(QueuedAssignment)) Option {
	return func(b *Balancer) { b.onTimeout = fn }
}

// New creates a balancer.
func New(cfg Config, opts ...Option) *Balancer {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = def.QueueInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.IdleDecayFactor <= 0 || cfg.IdleDecayFactor >= 1 {
		cfg.IdleDecayFactor = def.IdleDecayFactor
	}
	b := &Balancer{
		cfg:      cfg,
		agents:   make(map[string]*AgentLoad),
		inflight: make(map[string]string),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAgent adds an agent to the registry. Registering an existing id
// replaces its options but keeps accumulated stats.
func (b *Balancer) RegisterAgent(agentID string, opts RegisterOptions) error {
	if agentID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	if opts.MaxCapacity <= 0 {
		opts.MaxCapacity = 1
	}
	if opts.Weight <= 0 {
		opts.Weight = 1.0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.agents[agentID]; ok {
		existing.MaxCapacity = opts.MaxCapacity
		existing.Weight = opts.Weight
		existing.Capabilities = append([]string(nil), opts.Capabilities...)
		return nil
	}
	b.agents[agentID] = &AgentLoad{
		AgentID:      agentID,
		MaxCapacity:  opts.MaxCapacity,
		Weight:       opts.Weight,
		SuccessRate:  1.0,
		Healthy:      true,
		Capabilities: append([]string(nil), opts.Capabilities...),
	}
	return nil
}

// UnregisterAgent removes an agent and cancels its in-flight assignments.
// Returns the cancelled assignment ids.
func (b *Balancer) UnregisterAgent(agentID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.agents, agentID)
	var cancelled []string
	for assignmentID, aid := range b.inflight {
		if aid == agentID {
			cancelled = append(cancelled, assignmentID)
			delete(b.inflight, assignmentID)
		}
	}
	sort.Strings(cancelled)
	return cancelled
}

// Agent returns a copy of an agent's load record.
func (b *Balancer) Agent(agentID string) (AgentLoad, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[agentID]
	if !ok {
		return AgentLoad{}, false
	}
	return *a, true
}

// Agents returns copies of all load records, sorted by agent id.
func (b *Balancer) Agents() []AgentLoad {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AgentLoad, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SelectAgent picks an agent for the assignment using the configured
// strategy and records the dispatch against it.
func (b *Balancer) SelectAgent(assignment Assignment) Selection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectLocked(assignment)
}

func (b *Balancer) selectLocked(assignment Assignment) Selection {
	if len(b.agents) == 0 {
		return Selection{Reason: "no agents registered"}
	}

	chosen := b.pickLocked(assignment)
	if chosen == nil {
		return Selection{Reason: "no eligible agent: all unhealthy, at capacity or missing capabilities"}
	}

	chosen.ActiveRequests++
	chosen.TotalRequests++
	chosen.CurrentLoad = float64(chosen.ActiveRequests) / float64(chosen.MaxCapacity)
	if assignment.ID != "" {
		b.inflight[assignment.ID] = chosen.AgentID
	}
	return Selection{AgentID: chosen.AgentID, Reason: "selected by " + string(b.cfg.Strategy)}
}

// pickLocked applies the strategy over eligible agents. Round-robin indexes
// over the full registered set in sorted id order and skips forward past
// ineligible agents so the rotation stays stable as agents come and go.
func (b *Balancer) pickLocked(assignment Assignment) *AgentLoad {
	if b.cfg.Strategy == RoundRobin {
		ids := make([]string, 0, len(b.agents))
		for id := range b.agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			a := b.agents[ids[(b.rrIndex+i)%len(ids)]]
			if b.eligible(a, assignment) {
				b.rrIndex = (b.rrIndex + i + 1) % len(ids)
				return a
			}
		}
		return nil
	}

	var eligible []*AgentLoad
	for _, a := range b.agents {
		if b.eligible(a, assignment) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].AgentID < eligible[j].AgentID })

	switch b.cfg.Strategy {
	case LeastConnections:
		best := eligible[0]
		for _, a := range eligible[1:] {
			if a.ActiveRequests < best.ActiveRequests {
				best = a
			}
		}
		return best
	case Weighted:
		best := eligible[0]
		for _, a := range eligible[1:] {
			if weightedScore(a) > weightedScore(best) {
				best = a
			}
		}
		return best
	case Performance:
		best := eligible[0]
		for _, a := range eligible[1:] {
			if performanceScore(a) > performanceScore(best) {
				best = a
			}
		}
		return best
	default:
		return eligible[0]
	}
}

func (b *Balancer) eligible(a *AgentLoad, assignment Assignment) bool {
	if !a.Healthy || a.CurrentLoad >= 1.0 {
		return false
	}
	if assignment.Exclude != "" && a.AgentID == assignment.Exclude {
		return false
	}
	return hasCapabilities(a.Capabilities, assignment.Requirements)
}

func hasCapabilities(have, need []string) bool {
	for _, req := range need {
		found := false
		for _, cap := range have {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func weightedScore(a *AgentLoad) float64 {
	return a.Weight * (1.0 - a.CurrentLoad)
}

func performanceScore(a *AgentLoad) float64 {
	rt := a.AvgResponseTime
	if rt <= 0 {
		rt = 1
	}
	return (1.0 - a.CurrentLoad) * (1000.0 / rt) * a.SuccessRate
}

// Dispatch records a request sent to an explicitly chosen agent, bypassing
// strategy selection. The agent accrues load and request counts exactly as
// if it had been selected, so UpdateAgentLoad keeps its success rate
// accurate.
func (b *Balancer) Dispatch(agentID, assignmentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not registered", agentID)
	}
	a.ActiveRequests++
	a.TotalRequests++
	a.CurrentLoad = float64(a.ActiveRequests) / float64(a.MaxCapacity)
	if assignmentID != "" {
		b.inflight[assignmentID] = agentID
	}
	return nil
}

// UpdateAgentLoad records a completed request: EWMA response time, running
// success rate, and releases the active slot.
func (b *Balancer) UpdateAgentLoad(agentID string, responseTime time.Duration, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s not registered", agentID)
	}

	ms := float64(responseTime.Milliseconds())
	if a.AvgResponseTime == 0 {
		a.AvgResponseTime = ms
	} else {
		a.AvgResponseTime = ewmaAlpha*ms + (1-ewmaAlpha)*a.AvgResponseTime
	}
	if success {
		a.successCount++
	}
	if a.TotalRequests > 0 {
		a.SuccessRate = float64(a.successCount) / float64(a.TotalRequests)
	}
	if a.ActiveRequests > 0 {
		a.ActiveRequests--
	}
	a.CurrentLoad = float64(a.ActiveRequests) / float64(a.MaxCapacity)
	return nil
}

// Release drops the in-flight record for an assignment without touching
// agent stats. Used when a dispatch is abandoned before completion.
func (b *Balancer) Release(assignmentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, assignmentID)
}
