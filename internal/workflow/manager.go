package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltagent/voltagent/internal/bus"
)

// Config holds workflow manager settings.
type Config struct {
	DefaultStepTimeout     time.Duration `json:"defaultStepTimeout" envconfig:"DEFAULT_STEP_TIMEOUT"`
	DefaultWorkflowTimeout time.Duration `json:"defaultWorkflowTimeout" envconfig:"DEFAULT_WORKFLOW_TIMEOUT"`
	DefaultRetry           RetryPolicy   `json:"defaultRetry"`
}

// DefaultConfig returns sensible workflow defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStepTimeout:     time.Minute,
		DefaultWorkflowTimeout: 10 * time.Minute,
		DefaultRetry: RetryPolicy{
			MaxAttempts: 1,
			Backoff:     BackoffFixed,
		},
	}
}

// execution is the internal mutable record behind the public Execution view.
type execution struct {
	mu       sync.Mutex
	pub      Execution
	order    []string
	paused   bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager registers workflow definitions and runs executions.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	defs     map[string]Definition
	execs    map[string]*execution
	executor StepExecutor
	events   *bus.Bus
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithSleeper replaces the retry backoff sleeper, letting tests skip real
// delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// New creates a workflow manager dispatching steps to executor.
func New(cfg Config, executor StepExecutor, events *bus.Bus, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = def.DefaultStepTimeout
	}
	if cfg.DefaultWorkflowTimeout <= 0 {
		cfg.DefaultWorkflowTimeout = def.DefaultWorkflowTimeout
	}
	if cfg.DefaultRetry.MaxAttempts <= 0 {
		cfg.DefaultRetry = def.DefaultRetry
	}
	m := &Manager{
		cfg:      cfg,
		defs:     make(map[string]Definition),
		execs:    make(map[string]*execution),
		executor: executor,
		events:   events,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register validates the definition and stores it. A dependency on an
// unknown step or a cycle in the step graph is a registration error; such a
// workflow is never executed.
func (m *Manager) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("workflow id cannot be empty")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", def.ID)
	}
	if err := validateGraph(def); err != nil {
		return fmt.Errorf("workflow %s: %w", def.ID, err)
	}

	m.mu.Lock()
	m.defs[def.ID] = def
	m.mu.Unlock()

	m.publish("workflow.registered", def.ID, map[string]any{"steps": len(def.Steps)})
	return nil
}

// Definition returns a registered definition.
func (m *Manager) Definition(id string) (Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	return def, ok
}

// validateGraph checks step id uniqueness, unknown dependencies and cycles.
// Cycles are found with a depth-first visit carrying a recursion stack; a
// back-edge is a circular dependency.
func validateGraph(def Definition) error {
	steps := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("step id cannot be empty")
		}
		if _, dup := steps[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		steps[s.ID] = s.DependsOn
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	stateOf := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch stateOf[id] {
		case visiting:
			return fmt.Errorf("circular dependency involving step %q", id)
		case visited:
			return nil
		}
		stateOf[id] = visiting
		for _, dep := range steps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stateOf[id] = visited
		return nil
	}
	for _, s := range def.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder computes a deterministic topological order: Kahn's algorithm
// with the ready set kept sorted by step id.
func topoOrder(def Definition) []string {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(def.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		released := dependents[id]
		sort.Strings(released)
		for _, next := range released {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}
	return order
}

func insertSorted(list []string, s string) []string {
	pos := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[pos+1:], list[pos:])
	list[pos] = s
	return list
}

// Execute starts an asynchronous run of a registered workflow and returns
// the execution id immediately. Callers poll Execution or use Wait.
func (m *Manager) Execute(workflowID string, input map[string]any) (string, error) {
	m.mu.Lock()
	def, ok := m.defs[workflowID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("workflow %s not registered", workflowID)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultWorkflowTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	ex := &execution{
		pub: Execution{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			Status:     StatusPending,
			Results:    make(map[string]StepResult),
		},
		order:    topoOrder(def),
		resumeCh: make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.execs[ex.pub.ID] = ex
	m.mu.Unlock()

	go m.run(ctx, def, ex, input)
	return ex.pub.ID, nil
}

// Execution returns a copy of the execution record.
func (m *Manager) Execution(id string) (Execution, bool) {
	m.mu.Lock()
	ex, ok := m.execs[id]
	m.mu.Unlock()
	if !ok {
		return Execution{}, false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return copyExecution(ex.pub), true
}

func copyExecution(pub Execution) Execution {
	out := pub
	out.CompletedSteps = append([]string(nil), pub.CompletedSteps...)
	out.FailedSteps = append([]string(nil), pub.FailedSteps...)
	out.SkippedSteps = append([]string(nil), pub.SkippedSteps...)
	out.Results = make(map[string]StepResult, len(pub.Results))
	for k, v := range pub.Results {
		out.Results[k] = v
	}
	return out
}

// Wait blocks until the execution reaches a terminal status or the timeout
// elapses.
func (m *Manager) Wait(id string, timeout time.Duration) (Execution, error) {
	m.mu.Lock()
	ex, ok := m.execs[id]
	m.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("execution %s not found", id)
	}
	select {
	case <-ex.done:
	case <-time.After(timeout):
		return Execution{}, fmt.Errorf("timed out waiting for execution %s", id)
	}
	out, _ := m.Execution(id)
	return out, nil
}

// Cancel requests cooperative cancellation. The running step's context is
// cancelled; the execution transitions to cancelled unless already terminal.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	ex, ok := m.execs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}

	ex.mu.Lock()
	if ex.pub.Status.Terminal() {
		ex.mu.Unlock()
		return nil
	}
	ex.pub.Status = StatusCancelled
	if ex.paused {
		ex.paused = false
		close(ex.resumeCh)
		ex.resumeCh = make(chan struct{})
	}
	ex.mu.Unlock()

	ex.cancel()
	m.publish("workflow.cancelled", id, nil)
	return nil
}

// Pause freezes the step loop between steps. The currently running step
// finishes first.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	ex, ok := m.execs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.pub.Status != StatusRunning {
		return fmt.Errorf("execution %s is %s, cannot pause", id, ex.pub.Status)
	}
	ex.paused = true
	ex.pub.Status = StatusPaused
	m.publish("workflow.paused", id, nil)
	return nil
}

// Resume unfreezes a paused execution.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	ex, ok := m.execs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.paused {
		return fmt.Errorf("execution %s is not paused", id)
	}
	ex.paused = false
	ex.pub.Status = StatusRunning
	close(ex.resumeCh)
	ex.resumeCh = make(chan struct{})
	m.publish("workflow.resumed", id, nil)
	return nil
}

func (m *Manager) publish(eventType, source string, data map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{Type: eventType, Source: source, Data: data})
}
