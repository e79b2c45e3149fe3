package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/coord"
	"github.com/voltagent/voltagent/internal/faults"
	"github.com/voltagent/voltagent/internal/workflow"
)

const sessionPollInterval = 10 * time.Millisecond

// CoordExecutor runs workflow steps by dispatching them through the
// coordination engine. Step params:
//
//	agent        - id of the agent that performs the step (required)
//	task         - instruction text (defaults to the step id)
//	mode         - coordination mode; defaults to direct when the step
//	               names a single agent, pipeline when a distinct source
//	               is involved
//	condition    - substring for conditional mode
//	source       - requesting agent id (defaults to agent)
//	requirements - capabilities; when set the balancer picks the target
//
// Failures are classified and recorded with the escalation tracker.
type CoordExecutor struct {
	engine     *coord.Engine
	classifier *faults.Classifier
	escalator  *faults.Escalator
	events     *bus.Bus
}

// NewCoordExecutor builds the coordination-backed step executor.
func NewCoordExecutor(engine *coord.Engine, classifier *faults.Classifier, escalator *faults.Escalator, events *bus.Bus) *CoordExecutor {
	return &CoordExecutor{engine: engine, classifier: classifier, escalator: escalator, events: events}
}

// ExecuteStep dispatches one step and blocks until its coordination session
// reaches a terminal state or ctx expires.
func (x *CoordExecutor) ExecuteStep(ctx context.Context, step workflow.Step, wctx *workflow.Context) (any, error) {
	switch step.Type {
	case "noop":
		return nil, nil
	case "", "agent":
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}

	req, err := stepRequest(step)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Timeout = time.Until(deadline)
	}

	id, err := x.engine.RequestCoordination(req)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch step %q: %w", step.ID, err)
	}

	ticker := time.NewTicker(sessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			session, ok := x.engine.Session(id)
			if !ok {
				return nil, fmt.Errorf("coordination session for step %q vanished", step.ID)
			}
			switch session.Status {
			case coord.SessionCompleted:
				return session.Result, nil
			case coord.SessionFailed:
				return nil, fmt.Errorf("step %q failed: %s", step.ID, session.Error)
			case coord.SessionCancelled:
				return nil, fmt.Errorf("step %q was cancelled", step.ID)
			}
		}
	}
}

// HandleStepError classifies the failure, records it for escalation and
// publishes it on the bus.
func (x *CoordExecutor) HandleStepError(step workflow.Step, err error, wctx *workflow.Context) {
	agentID, _ := step.Params["agent"].(string)
	failure := x.classifier.Classify(err, 0, "workflow."+wctx.WorkflowID+"."+step.ID, agentID)
	x.escalator.Record(failure)
	x.events.Publish(bus.Event{
		Type:   "fault.recorded",
		Source: wctx.WorkflowID,
		Data: map[string]any{
			"step":     step.ID,
			"category": string(failure.Category),
			"severity": string(failure.Severity),
			"message":  failure.Message,
		},
	})
}

func stepRequest(step workflow.Step) (coord.Request, error) {
	agentID, _ := step.Params["agent"].(string)
	requirements := stringSlice(step.Params["requirements"])
	if agentID == "" && len(requirements) == 0 {
		return coord.Request{}, fmt.Errorf("step %q names no agent and no requirements", step.ID)
	}

	source, _ := step.Params["source"].(string)
	if source == "" {
		source = agentID
	}
	task, _ := step.Params["task"].(string)
	if task == "" {
		task = step.ID
	}
	// A step performed by one agent on its own behalf generates exactly
	// once; pairing it with itself would re-process its own output.
	mode := coord.Pipeline
	if source == agentID {
		mode = coord.Direct
	}
	if m, ok := step.Params["mode"].(string); ok && m != "" {
		mode = coord.Mode(m)
	}
	condition, _ := step.Params["condition"].(string)

	req := coord.Request{
		SourceAgentID: source,
		Mode:          mode,
		Task:          task,
		Condition:     condition,
		Priority:      coord.PriorityNormal,
		Requirements:  requirements,
	}
	// With requirements set and no explicit agent, the balancer selects.
	if agentID != "" && len(requirements) == 0 {
		req.TargetAgentID = agentID
	}
	return req, nil
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
