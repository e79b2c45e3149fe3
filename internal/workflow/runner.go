package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// run drives one execution to a terminal state. Steps execute in topological
// order; a step whose dependencies did not all succeed is soft-skipped; a
// step that exhausts its retries fails the workflow and aborts the rest.
func (m *Manager) run(ctx context.Context, def Definition, ex *execution, input map[string]any) {
	defer close(ex.done)
	defer ex.cancel()

	ex.mu.Lock()
	if ex.pub.Status.Terminal() {
		ex.mu.Unlock()
		return
	}
	ex.pub.Status = StatusRunning
	ex.pub.StartTime = time.Now()
	ex.mu.Unlock()

	m.publish("workflow.started", def.ID, map[string]any{"execution_id": ex.pub.ID})

	stepsByID := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		stepsByID[s.ID] = s
	}

	wctx := &Context{
		ExecutionID: ex.pub.ID,
		WorkflowID:  def.ID,
		Input:       input,
		Results:     make(map[string]StepResult),
	}

	for _, stepID := range ex.order {
		if !m.gate(ctx, ex, def.ID) {
			return
		}

		step := stepsByID[stepID]

		ex.mu.Lock()
		ex.pub.CurrentStep = stepID
		skip := false
		for _, dep := range step.DependsOn {
			if r, ok := ex.pub.Results[dep]; !ok || r.Status != StepCompleted {
				skip = true
				break
			}
		}
		if skip {
			result := StepResult{StepID: stepID, Status: StepSkipped}
			ex.pub.Results[stepID] = result
			ex.pub.SkippedSteps = append(ex.pub.SkippedSteps, stepID)
			wctx.Results[stepID] = result
			ex.mu.Unlock()
			m.publish("workflow.step.skipped", def.ID, map[string]any{"execution_id": ex.pub.ID, "step": stepID})
			continue
		}
		ex.mu.Unlock()

		result := m.runStep(ctx, def, step, wctx)

		ex.mu.Lock()
		ex.pub.Results[stepID] = result
		wctx.Results[stepID] = result
		if result.Status == StepCompleted {
			ex.pub.CompletedSteps = append(ex.pub.CompletedSteps, stepID)
			ex.mu.Unlock()
			m.publish("workflow.step.completed", def.ID, map[string]any{"execution_id": ex.pub.ID, "step": stepID})
			continue
		}

		// Step failed after exhausting retries: abort the workflow.
		ex.pub.FailedSteps = append(ex.pub.FailedSteps, stepID)
		alreadyTerminal := ex.pub.Status.Terminal()
		if !alreadyTerminal {
			if ctx.Err() == context.DeadlineExceeded {
				ex.pub.Status = StatusFailed
				ex.pub.Error = "workflow timeout elapsed"
			} else if ctx.Err() == context.Canceled {
				ex.pub.Status = StatusCancelled
			} else {
				ex.pub.Status = StatusFailed
				ex.pub.Error = result.Error
			}
		}
		ex.pub.EndTime = time.Now()
		ex.pub.CurrentStep = ""
		status := ex.pub.Status
		ex.mu.Unlock()

		m.publish("workflow.step.failed", def.ID, map[string]any{"execution_id": ex.pub.ID, "step": stepID, "error": result.Error})
		if status == StatusFailed {
			m.publish("workflow.failed", def.ID, map[string]any{"execution_id": ex.pub.ID, "error": result.Error})
		}
		return
	}

	ex.mu.Lock()
	if !ex.pub.Status.Terminal() {
		ex.pub.Status = StatusCompleted
	}
	ex.pub.EndTime = time.Now()
	ex.pub.CurrentStep = ""
	status := ex.pub.Status
	ex.mu.Unlock()

	if status == StatusCompleted {
		m.publish("workflow.completed", def.ID, map[string]any{"execution_id": ex.pub.ID})
	}
}

// gate blocks while the execution is paused and reports whether the run may
// continue. It resolves cancellation and workflow timeout that occur while
// waiting.
func (m *Manager) gate(ctx context.Context, ex *execution, workflowID string) bool {
	for {
		ex.mu.Lock()
		if ex.pub.Status.Terminal() {
			if ex.pub.EndTime.IsZero() {
				ex.pub.EndTime = time.Now()
			}
			ex.mu.Unlock()
			return false
		}
		if !ex.paused {
			ex.mu.Unlock()
			break
		}
		resume := ex.resumeCh
		ex.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			m.finishOnContext(ctx, ex, workflowID)
			return false
		}
	}

	select {
	case <-ctx.Done():
		m.finishOnContext(ctx, ex, workflowID)
		return false
	default:
		return true
	}
}

// finishOnContext records a terminal status for a context-ended run.
func (m *Manager) finishOnContext(ctx context.Context, ex *execution, workflowID string) {
	ex.mu.Lock()
	if !ex.pub.Status.Terminal() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ex.pub.Status = StatusFailed
			ex.pub.Error = "workflow timeout elapsed"
		} else {
			ex.pub.Status = StatusCancelled
		}
	}
	if ex.pub.EndTime.IsZero() {
		ex.pub.EndTime = time.Now()
	}
	status := ex.pub.Status
	ex.mu.Unlock()

	if status == StatusFailed {
		m.publish("workflow.failed", workflowID, map[string]any{"execution_id": ex.pub.ID, "error": "workflow timeout elapsed"})
	}
}

// runStep executes one step with its timeout and retry policy. The step
// context is cancelled on timeout so the executor can actually stop, rather
// than being abandoned mid-flight.
func (m *Manager) runStep(ctx context.Context, def Definition, step Step, wctx *Context) StepResult {
	policy := m.cfg.DefaultRetry
	if def.Retry.MaxAttempts > 0 {
		policy = def.Retry
	}
	if step.Retry != nil {
		policy = *step.Retry
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultStepTimeout
	}

	result := StepResult{StepID: step.ID, StartTime: time.Now()}
	m.publish("workflow.step.started", def.ID, map[string]any{"execution_id": wctx.ExecutionID, "step": step.ID})

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := m.executor.ExecuteStep(stepCtx, step, wctx)
		cancel()

		if err == nil {
			result.Status = StepCompleted
			result.Output = output
			result.EndTime = time.Now()
			return result
		}
		lastErr = err
		m.executor.HandleStepError(step, err, wctx)
		slog.Warn("Workflow step attempt failed",
			"workflow", def.ID, "step", step.ID, "attempt", attempt, "error", err)

		// The workflow-level context ending is not retryable.
		if ctx.Err() != nil {
			break
		}
		if attempt < policy.MaxAttempts {
			if err := m.sleep(ctx, policy.DelayFor(attempt)); err != nil {
				break
			}
		}
	}

	result.Status = StepFailed
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	result.EndTime = time.Now()
	return result
}
