// Package workflow implements DAG workflow definition, validation and
// asynchronous execution.
package workflow

import (
	"context"
	"time"
)

// BackoffKind selects how retry delays grow across attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds step retries. Delay is the base delay; MaxDelay caps
// the backoff growth.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"max_attempts"`
	Backoff     BackoffKind   `json:"backoff" yaml:"backoff"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"max_delay"`
}

// DelayFor returns the wait before retry attempt n (1-based: the delay after
// the n-th failure).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.Delay * time.Duration(attempt)
	case BackoffExponential:
		d = p.Delay
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	default:
		d = p.Delay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Step is one node of a workflow DAG.
type Step struct {
	ID        string         `json:"id" yaml:"id"`
	Type      string         `json:"type" yaml:"type"`
	DependsOn []string       `json:"dependsOn,omitempty" yaml:"depends_on"`
	Timeout   time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	Retry     *RetryPolicy   `json:"retry,omitempty" yaml:"retry"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
}

// Definition is a static workflow DAG.
type Definition struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name,omitempty" yaml:"name"`
	Steps   []Step        `json:"steps" yaml:"steps"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Retry   RetryPolicy   `json:"retry,omitempty" yaml:"retry"`
}

// StepStatus is the outcome of one step within an execution.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks a step whose dependencies did not all succeed; it
	// was never executed.
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step's outcome.
type StepResult struct {
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
}

// Status is the execution state machine: pending -> running ->
// {completed | failed | cancelled}, with running <-> paused. Terminal states
// are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is the public view of one ExecuteWorkflow call.
type Execution struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	Status         Status                `json:"status"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        time.Time             `json:"end_time,omitempty"`
	CurrentStep    string                `json:"current_step,omitempty"`
	CompletedSteps []string              `json:"completed_steps,omitempty"`
	FailedSteps    []string              `json:"failed_steps,omitempty"`
	SkippedSteps   []string              `json:"skipped_steps,omitempty"`
	Results        map[string]StepResult `json:"results,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Context is handed to the step executor alongside each step.
type Context struct {
	ExecutionID string
	WorkflowID  string
	Input       map[string]any
	Results     map[string]StepResult
}

// StepExecutor performs the actual work of a step. The context carries the
// step timeout and workflow cancellation; executors should honor it.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step Step, wctx *Context) (any, error)
	HandleStepError(step Step, err error, wctx *Context)
}
