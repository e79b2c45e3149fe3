package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/voltagent/voltagent/internal/agent"
	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/coord"
	"github.com/voltagent/voltagent/internal/workflow"
)

// AgentInfo is the externally visible view of a registered agent.
type AgentInfo struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Healthy      bool     `json:"healthy"`
	CurrentLoad  float64  `json:"current_load"`
	SuccessRate  float64  `json:"success_rate"`
}

// RegisterAgent adds an agent to the coordination engine and load balancer.
func (o *Orchestrator) RegisterAgent(a agent.Agent, opts balancer.RegisterOptions) error {
	o.mu.Lock()
	engine, store := o.engine, o.store
	o.mu.Unlock()
	if err := engine.RegisterAgent(a, opts); err != nil {
		return err
	}
	store.Set("agents."+a.ID()+".registered_at", time.Now().UTC().Format(time.RFC3339), "orchestrator")
	return nil
}

// UnregisterAgent removes an agent. Queued work addressed to it is
// cancelled, not reassigned; the cancelled request ids are returned so
// callers can resubmit if they choose.
func (o *Orchestrator) UnregisterAgent(agentID string) []string {
	o.mu.Lock()
	engine, store := o.engine, o.store
	o.mu.Unlock()
	cancelled := engine.UnregisterAgent(agentID)
	store.Delete("agents."+agentID+".registered_at", "orchestrator")
	return cancelled
}

// Agents lists registered agents with their current load view, sorted by
// id.
func (o *Orchestrator) Agents() []AgentInfo {
	o.mu.Lock()
	bal := o.balancer
	o.mu.Unlock()
	loads := bal.Agents()
	out := make([]AgentInfo, 0, len(loads))
	for _, l := range loads {
		out = append(out, AgentInfo{
			ID:           l.AgentID,
			Capabilities: l.Capabilities,
			Healthy:      l.Healthy,
			CurrentLoad:  l.CurrentLoad,
			SuccessRate:  l.SuccessRate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequestCoordination enqueues an agent-to-agent request and returns its
// id.
func (o *Orchestrator) RequestCoordination(req coord.Request) (string, error) {
	return o.Coordination().RequestCoordination(req)
}

// CoordinationSession returns the session for a request id.
func (o *Orchestrator) CoordinationSession(requestID string) (coord.Session, bool) {
	return o.Coordination().Session(requestID)
}

// RegisterWorkflow validates and stores a workflow definition.
func (o *Orchestrator) RegisterWorkflow(def workflow.Definition) error {
	return o.Workflows().Register(def)
}

// ExecuteWorkflow starts a registered workflow and returns the execution
// id.
func (o *Orchestrator) ExecuteWorkflow(workflowID string, input map[string]any) (string, error) {
	o.mu.Lock()
	running, workflows := o.running, o.workflows
	o.mu.Unlock()
	if !running {
		return "", fmt.Errorf("orchestrator is not running")
	}
	return workflows.Execute(workflowID, input)
}

// WorkflowStatus returns a copy of the execution record.
func (o *Orchestrator) WorkflowStatus(executionID string) (workflow.Execution, error) {
	ex, ok := o.Workflows().Execution(executionID)
	if !ok {
		return workflow.Execution{}, fmt.Errorf("unknown execution %q", executionID)
	}
	return ex, nil
}

// CancelWorkflow aborts a running execution.
func (o *Orchestrator) CancelWorkflow(executionID string) error {
	return o.Workflows().Cancel(executionID)
}

// Health reports the orchestrator's aggregate condition. All agents
// healthy is healthy; some unhealthy is degraded; none healthy (with at
// least one registered) is unhealthy.
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	running, bal := o.running, o.balancer
	o.mu.Unlock()
	if !running {
		return HealthUnknown
	}
	agents := bal.Agents()
	if len(agents) == 0 {
		return HealthHealthy
	}
	healthy := 0
	for _, a := range agents {
		if a.Healthy {
			healthy++
		}
	}
	switch {
	case healthy == len(agents):
		return HealthHealthy
	case healthy > 0:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Metrics aggregates counters from every subsystem.
func (o *Orchestrator) Metrics() map[string]any {
	o.mu.Lock()
	running := o.running
	startedAt := o.startedAt
	events, cc, store := o.events, o.cache, o.store
	engine, bal := o.engine, o.balancer
	o.mu.Unlock()

	m := map[string]any{
		"running": running,
		"bus":     events.Stats(),
		"cache":   cc.Stats(),
		"state": map[string]any{
			"keys":    len(store.Keys()),
			"version": store.Version(),
		},
		"coordination": map[string]any{
			"queue_length": engine.QueueLength(),
		},
		"balancer": map[string]any{
			"agents":       len(bal.Agents()),
			"queue_length": bal.QueueLength(),
		},
	}
	if running {
		m["uptime"] = time.Since(startedAt).Truncate(time.Second).String()
	}
	return m
}
