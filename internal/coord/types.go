// Package coord implements multi-agent coordination: per-agent status
// tracking, a priority request queue and the coordination modes.
package coord

import "time"

// Mode defines how the agents' outputs combine.
type Mode string

const (
	// Direct has the target perform the task alone, with no pairing.
	// Requests whose source and target are the same agent run this way so
	// an agent never re-processes its own output.
	Direct Mode = "direct"
	// Sequential feeds the source's output as the prompt to the target,
	// with the original task passed along as context.
	Sequential Mode = "sequential"
	// Parallel runs both agents on the same input concurrently and joins
	// the results.
	Parallel Mode = "parallel"
	// Conditional runs the target only when the source's output contains
	// the request's condition string.
	Conditional Mode = "conditional"
	// Pipeline hands the source's raw output to the target verbatim.
	Pipeline Mode = "pipeline"
)

// Priority orders the coordination queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank maps priorities to queue order; higher drains first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// AgentStatus is the coordination-level view of an agent.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
)

// Performance tracks an agent's blended outcome history. SuccessRate starts
// at 0.5 and is blended toward 1.0 on success and 0.0 on failure.
type Performance struct {
	SuccessRate float64   `json:"success_rate"`
	Completed   uint64    `json:"completed"`
	Failed      uint64    `json:"failed"`
	LastActive  time.Time `json:"last_active"`
}

// Request asks the engine to coordinate two agents on a task.
type Request struct {
	ID            string        `json:"id"`
	SourceAgentID string        `json:"source_agent_id"`
	TargetAgentID string        `json:"target_agent_id,omitempty"` // empty: balancer selects
	Mode          Mode          `json:"mode"`
	Task          string        `json:"task"`
	Condition     string        `json:"condition,omitempty"` // conditional mode substring
	Priority      Priority      `json:"priority"`
	Requirements  []string      `json:"requirements,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// SessionStatus is the session state machine: pending -> active ->
// {completed | failed | cancelled}. Terminal states are final.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Session records one coordination run.
type Session struct {
	ID            string        `json:"id"`
	RequestID     string        `json:"request_id"`
	Mode          Mode          `json:"mode"`
	Status        SessionStatus `json:"status"`
	SourceAgentID string        `json:"source_agent_id"`
	TargetAgentID string        `json:"target_agent_id,omitempty"`
	Result        string        `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time,omitempty"`
}

// Checkpoint captures recovery state for a workflow session.
type Checkpoint struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	LastStep   string         `json:"last_step"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Attempts   int            `json:"attempts"`
}
