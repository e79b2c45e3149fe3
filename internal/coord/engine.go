package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltagent/voltagent/internal/agent"
	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/faults"
)

// perfBlend is the exponential blend applied to success rates on each
// outcome: rate = perfBlend*rate + (1-perfBlend)*outcome.
const perfBlend = 0.9

// Config holds coordination engine settings.
type Config struct {
	MaxConcurrent       int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	DrainInterval       time.Duration `json:"drainInterval" envconfig:"DRAIN_INTERVAL"`
	DefaultTimeout      time.Duration `json:"defaultTimeout" envconfig:"DEFAULT_TIMEOUT"`
	MaxRecoveryAttempts int           `json:"maxRecoveryAttempts" envconfig:"MAX_RECOVERY_ATTEMPTS"`
}

// DefaultConfig returns sensible coordination defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       4,
		DrainInterval:       time.Second,
		DefaultTimeout:      2 * time.Minute,
		MaxRecoveryAttempts: 3,
	}
}

type agentRecord struct {
	agent  agent.Agent
	status AgentStatus
	perf   Performance
}

type queuedRequest struct {
	req Request
	seq uint64
}

// Engine coordinates registered agents. Requests are drained from a priority
// queue by a periodic tick and executed in one of the coordination modes
// against a source + target agent pair (or a single agent in direct mode).
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	agents      map[string]*agentRecord
	queue       []queuedRequest
	seq         uint64
	sessions    map[string]*Session
	checkpoints map[string]*Checkpoint
	bal         *balancer.Balancer
	events      *bus.Bus
	guard       *faults.Handler
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithFaultHandler routes every agent generation through the fault handler's
// retry and recovery policy.
func WithFaultHandler(h *faults.Handler) Option {
	return func(e *Engine) { e.guard = h }
}

// New creates a coordination engine wired to the balancer and event bus.
func New(cfg Config, bal *balancer.Balancer, events *bus.Bus, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	e := &Engine{
		cfg:         cfg,
		agents:      make(map[string]*agentRecord),
		sessions:    make(map[string]*Session),
		checkpoints: make(map[string]*Checkpoint),
		bal:         bal,
		events:      events,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterAgent adds an agent to the engine and the balancer registry.
func (e *Engine) RegisterAgent(a agent.Agent, opts balancer.RegisterOptions) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("agent must have an id")
	}
	if err := e.bal.RegisterAgent(a.ID(), opts); err != nil {
		return err
	}

	e.mu.Lock()
	e.agents[a.ID()] = &agentRecord{
		agent:  a,
		status: StatusIdle,
		perf:   Performance{SuccessRate: 0.5},
	}
	e.mu.Unlock()

	e.publish("agent.registered", a.ID(), nil)
	return nil
}

// UnregisterAgent removes an agent. Its queued requests are cancelled (not
// reassigned) and reported; its in-flight balancer assignments are dropped.
func (e *Engine) UnregisterAgent(agentID string) []string {
	e.bal.UnregisterAgent(agentID)

	e.mu.Lock()
	if rec, ok := e.agents[agentID]; ok {
		rec.status = StatusOffline
	}
	delete(e.agents, agentID)

	var cancelled []string
	var remaining []queuedRequest
	for _, q := range e.queue {
		if q.req.SourceAgentID == agentID || q.req.TargetAgentID == agentID {
			cancelled = append(cancelled, q.req.ID)
			if sess := e.sessionByRequestLocked(q.req.ID); sess != nil && sess.Status == SessionPending {
				sess.Status = SessionCancelled
				sess.EndTime = time.Now()
			}
			continue
		}
		remaining = append(remaining, q)
	}
	e.queue = remaining
	e.mu.Unlock()

	for _, id := range cancelled {
		e.publish("coordination.cancelled", agentID, map[string]any{"request_id": id})
	}
	e.publish("agent.unregistered", agentID, nil)
	return cancelled
}

// AgentStatus returns the engine-level status for an agent.
func (e *Engine) AgentStatus(agentID string) (AgentStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.agents[agentID]
	if !ok {
		return StatusOffline, false
	}
	return rec.status, true
}

// AgentPerformance returns the blended performance record for an agent.
func (e *Engine) AgentPerformance(agentID string) (Performance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.agents[agentID]
	if !ok {
		return Performance{}, false
	}
	return rec.perf, true
}

// RequestCoordination validates and enqueues a request, returning its id.
// The request is executed by a later drain tick.
func (e *Engine) RequestCoordination(req Request) (string, error) {
	if req.Task == "" {
		return "", fmt.Errorf("coordination task cannot be empty")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if req.Mode == "" {
		if req.TargetAgentID != "" && req.TargetAgentID == req.SourceAgentID {
			req.Mode = Direct
		} else {
			req.Mode = Sequential
		}
	}
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}

	e.mu.Lock()
	if _, ok := e.agents[req.SourceAgentID]; !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("source agent %s not registered", req.SourceAgentID)
	}

	e.seq++
	q := queuedRequest{req: req, seq: e.seq}
	pos := sort.Search(len(e.queue), func(i int) bool {
		return e.queue[i].req.Priority.rank() < req.Priority.rank()
	})
	e.queue = append(e.queue, queuedRequest{})
	copy(e.queue[pos+1:], e.queue[pos:])
	e.queue[pos] = q

	e.sessions[req.ID] = &Session{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		Mode:          req.Mode,
		Status:        SessionPending,
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
	}
	e.mu.Unlock()

	e.publish("coordination.requested", req.SourceAgentID, map[string]any{
		"request_id": req.ID,
		"mode":       string(req.Mode),
		"priority":   string(req.Priority),
	})
	return req.ID, nil
}

// Session returns the session for a request id.
func (e *Engine) Session(requestID string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sessionByRequestLocked(requestID)
	if sess == nil {
		return Session{}, false
	}
	return *sess, true
}

func (e *Engine) sessionByRequestLocked(requestID string) *Session {
	return e.sessions[requestID]
}

// QueueLength returns the number of pending requests.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// DrainOnce dequeues up to MaxConcurrent requests in priority order and
// executes each. Returns how many requests were executed.
func (e *Engine) DrainOnce(ctx context.Context) int {
	e.mu.Lock()
	n := e.cfg.MaxConcurrent
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := make([]Request, 0, n)
	for _, q := range e.queue[:n] {
		batch = append(batch, q.req)
	}
	e.queue = e.queue[n:]
	e.mu.Unlock()

	for _, req := range batch {
		e.execute(ctx, req)
	}
	return len(batch)
}

// Start runs the drain tick until Stop. Run as a goroutine.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.DrainOnce(ctx)
		}
	}
}

// Stop terminates the drain loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// execute runs one request end to end and records the outcome.
func (e *Engine) execute(ctx context.Context, req Request) {
	e.mu.Lock()
	sess := e.sessionByRequestLocked(req.ID)
	if sess == nil || sess.Status != SessionPending {
		e.mu.Unlock()
		return
	}
	source, ok := e.agents[req.SourceAgentID]
	if !ok {
		sess.Status = SessionFailed
		sess.Error = fmt.Sprintf("source agent %s no longer registered", req.SourceAgentID)
		sess.EndTime = time.Now()
		e.mu.Unlock()
		return
	}

	target, err := e.resolveTargetLocked(req)
	if err != nil {
		sess.Status = SessionFailed
		sess.Error = err.Error()
		sess.EndTime = time.Now()
		e.mu.Unlock()
		e.publish("coordination.failed", req.SourceAgentID, map[string]any{"request_id": req.ID, "error": err.Error()})
		return
	}

	sess.Status = SessionActive
	sess.StartTime = time.Now()
	sess.TargetAgentID = target.agent.ID()
	source.status = StatusBusy
	target.status = StatusBusy
	srcAgent, tgtAgent := source.agent, target.agent
	e.mu.Unlock()

	e.publish("coordination.started", req.SourceAgentID, map[string]any{
		"request_id": req.ID,
		"target":     tgtAgent.ID(),
	})

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	result, err := e.runMode(runCtx, req, srcAgent, tgtAgent)
	elapsed := time.Since(start)

	success := err == nil
	if updErr := e.bal.UpdateAgentLoad(tgtAgent.ID(), elapsed, success); updErr != nil {
		slog.Debug("Balancer update skipped", "agent", tgtAgent.ID(), "error", updErr)
	}
	e.bal.Release(req.ID)

	e.mu.Lock()
	e.recordOutcomeLocked(srcAgent.ID(), success)
	if tgtAgent.ID() != srcAgent.ID() {
		e.recordOutcomeLocked(tgtAgent.ID(), success)
	}
	sess.EndTime = time.Now()
	if success {
		sess.Status = SessionCompleted
		sess.Result = result
	} else {
		sess.Status = SessionFailed
		sess.Error = err.Error()
	}
	e.mu.Unlock()

	if success {
		e.publish("coordination.completed", req.SourceAgentID, map[string]any{
			"request_id": req.ID,
			"duration":   elapsed.String(),
		})
	} else {
		slog.Warn("Coordination failed", "request", req.ID, "mode", req.Mode, "error", err)
		e.publish("coordination.failed", req.SourceAgentID, map[string]any{
			"request_id": req.ID,
			"error":      err.Error(),
		})
	}
}

// resolveTargetLocked picks the target agent: explicit request target, or a
// balancer selection excluding the source. Explicit targets are dispatched
// against the balancer so their load and success rate stay accurate. Caller
// holds e.mu.
func (e *Engine) resolveTargetLocked(req Request) (*agentRecord, error) {
	if req.TargetAgentID != "" {
		rec, ok := e.agents[req.TargetAgentID]
		if !ok {
			return nil, fmt.Errorf("target agent %s not registered", req.TargetAgentID)
		}
		if err := e.bal.Dispatch(req.TargetAgentID, req.ID); err != nil {
			return nil, fmt.Errorf("target agent %s not dispatchable: %w", req.TargetAgentID, err)
		}
		return rec, nil
	}
	sel := e.bal.SelectAgent(balancer.Assignment{
		ID:           req.ID,
		Task:         req.Task,
		Requirements: req.Requirements,
		Exclude:      req.SourceAgentID,
	})
	if sel.AgentID == "" {
		return nil, fmt.Errorf("no target agent available: %s", sel.Reason)
	}
	rec, ok := e.agents[sel.AgentID]
	if !ok {
		return nil, fmt.Errorf("selected agent %s not registered with engine", sel.AgentID)
	}
	return rec, nil
}

// recordOutcomeLocked blends an agent's success rate toward the outcome and
// returns it to idle. Caller holds e.mu.
func (e *Engine) recordOutcomeLocked(agentID string, success bool) {
	rec, ok := e.agents[agentID]
	if !ok {
		return
	}
	outcome := 0.0
	if success {
		outcome = 1.0
		rec.perf.Completed++
	} else {
		rec.perf.Failed++
	}
	rec.perf.SuccessRate = perfBlend*rec.perf.SuccessRate + (1-perfBlend)*outcome
	rec.perf.LastActive = time.Now()
	rec.status = StatusIdle
}

// runMode executes the request's coordination mode against the agent pair.
func (e *Engine) runMode(ctx context.Context, req Request, source, target agent.Agent) (string, error) {
	switch req.Mode {
	case Direct:
		out, err := e.generate(ctx, target, req.Task, "")
		if err != nil {
			return "", fmt.Errorf("generation failed: %w", err)
		}
		return out, nil

	case Sequential:
		out, err := e.generate(ctx, source, req.Task, "")
		if err != nil {
			return "", fmt.Errorf("source generation failed: %w", err)
		}
		final, err := e.generate(ctx, target, out, req.Task)
		if err != nil {
			return "", fmt.Errorf("target generation failed: %w", err)
		}
		return final, nil

	case Parallel:
		type outcome struct {
			text string
			err  error
		}
		results := make([]outcome, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			text, err := e.generate(ctx, source, req.Task, "")
			results[0] = outcome{text, err}
		}()
		go func() {
			defer wg.Done()
			text, err := e.generate(ctx, target, req.Task, "")
			results[1] = outcome{text, err}
		}()
		wg.Wait()
		for _, r := range results {
			if r.err != nil {
				return "", fmt.Errorf("parallel generation failed: %w", r.err)
			}
		}
		return results[0].text + "\n\n" + results[1].text, nil

	case Conditional:
		out, err := e.generate(ctx, source, req.Task, "")
		if err != nil {
			return "", fmt.Errorf("source generation failed: %w", err)
		}
		condition := req.Condition
		if condition == "" {
			condition = "yes"
		}
		if !strings.Contains(out, condition) {
			return out, nil
		}
		final, err := e.generate(ctx, target, out, req.Task)
		if err != nil {
			return "", fmt.Errorf("target generation failed: %w", err)
		}
		return final, nil

	case Pipeline:
		out, err := e.generate(ctx, source, req.Task, "")
		if err != nil {
			return "", fmt.Errorf("source generation failed: %w", err)
		}
		final, err := e.generate(ctx, target, out, "")
		if err != nil {
			return "", fmt.Errorf("target generation failed: %w", err)
		}
		return final, nil

	default:
		return "", fmt.Errorf("unknown coordination mode %q", req.Mode)
	}
}

// generate calls the agent, routed through the fault handler's retry and
// recovery policy when one is attached.
func (e *Engine) generate(ctx context.Context, a agent.Agent, prompt, system string) (string, error) {
	if e.guard == nil {
		return a.GenerateText(ctx, prompt, system)
	}
	res := e.guard.Execute(ctx, faults.Operation{
		Name:    "agent.generate",
		AgentID: a.ID(),
		Request: faults.Request{Prompt: prompt},
		Do: func(ctx context.Context, req faults.Request) (any, error) {
			return a.GenerateText(ctx, req.Prompt, system)
		},
	})
	if !res.Success {
		return "", fmt.Errorf("%s (category %s)", res.Failure.Message, res.Failure.Category)
	}
	out, _ := res.Value.(string)
	return out, nil
}

func (e *Engine) publish(eventType, source string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.Event{Type: eventType, Source: source, Data: data})
}
