package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voltagent/voltagent/internal/agent"
	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/faults"
)

func newTestEngine(t *testing.T) (*Engine, *balancer.Balancer, *bus.Bus) {
	t.Helper()
	bal := balancer.New(balancer.DefaultConfig())
	events := bus.New(bus.DefaultConfig())
	return New(DefaultConfig(), bal, events), bal, events
}

func registerPair(t *testing.T, e *Engine, caps ...string) (*agent.ScriptedAgent, *agent.ScriptedAgent) {
	t.Helper()
	a := agent.NewScripted("agent-a", "alpha")
	b := agent.NewScripted("agent-b", "beta")
	opts := balancer.RegisterOptions{MaxCapacity: 10, Capabilities: caps}
	if err := e.RegisterAgent(a, opts); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterAgent(b, opts); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestRequestValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerPair(t, e)

	if _, err := e.RequestCoordination(Request{SourceAgentID: "agent-a"}); err == nil {
		t.Error("empty task must be rejected")
	}
	if _, err := e.RequestCoordination(Request{SourceAgentID: "ghost", Task: "x"}); err == nil {
		t.Error("unregistered source must be rejected")
	}
	if _, err := e.RequestCoordination(Request{SourceAgentID: "agent-a", Task: "x"}); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func TestPriorityDrainOrder(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerPair(t, e)

	var executed []string
	for _, p := range []Priority{PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh} {
		id, err := e.RequestCoordination(Request{
			ID:            "req-" + string(p),
			SourceAgentID: "agent-a",
			TargetAgentID: "agent-b",
			Task:          string(p),
			Priority:      p,
		})
		if err != nil {
			t.Fatal(err)
		}
		_ = id
	}

	// Observe completion order through the bus.
	e.events.Subscribe("coordination.started", func(ev bus.Event) error {
		executed = append(executed, ev.Data["request_id"].(string))
		return nil
	})

	e.DrainOnce(context.Background())

	want := []string{"req-critical", "req-high", "req-normal", "req-low"}
	if len(executed) != len(want) {
		t.Fatalf("expected %d executions, got %v", len(want), executed)
	}
	for i := range want {
		if executed[i] != want[i] {
			t.Fatalf("expected drain order %v, got %v", want, executed)
		}
	}
}

func TestSequentialCoordinationEndToEnd(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a, b := registerPair(t, e, "coding")

	id, err := e.RequestCoordination(Request{
		SourceAgentID: "agent-a",
		Mode:          Sequential,
		Task:          "x",
		Requirements:  []string{"coding"},
	})
	if err != nil {
		t.Fatal(err)
	}

	sess, ok := e.Session(id)
	if !ok || sess.Status != SessionPending {
		t.Fatalf("expected pending session, got %+v", sess)
	}

	beforeA, _ := e.AgentPerformance("agent-a")
	beforeB, _ := e.AgentPerformance("agent-b")

	e.DrainOnce(context.Background())

	sess, _ = e.Session(id)
	if sess.Status != SessionCompleted {
		t.Fatalf("expected completed session, got %s (%s)", sess.Status, sess.Error)
	}
	if sess.TargetAgentID != "agent-b" {
		t.Errorf("expected agent-b selected as target, got %s", sess.TargetAgentID)
	}

	afterA, _ := e.AgentPerformance("agent-a")
	afterB, _ := e.AgentPerformance("agent-b")
	if afterA.SuccessRate <= beforeA.SuccessRate {
		t.Errorf("source success rate must increase: %f -> %f", beforeA.SuccessRate, afterA.SuccessRate)
	}
	if afterB.SuccessRate <= beforeB.SuccessRate {
		t.Errorf("target success rate must increase: %f -> %f", beforeB.SuccessRate, afterB.SuccessRate)
	}

	// Sequential mode feeds the source's output to the target.
	if calls := b.Calls(); len(calls) != 1 || calls[0] != "alpha: x" {
		t.Errorf("target should receive the source output as prompt, got %v", calls)
	}
	if calls := a.Calls(); len(calls) != 1 || calls[0] != "x" {
		t.Errorf("source should receive the raw task, got %v", calls)
	}
}

func TestParallelCombinesResults(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerPair(t, e)

	id, _ := e.RequestCoordination(Request{
		SourceAgentID: "agent-a",
		TargetAgentID: "agent-b",
		Mode:          Parallel,
		Task:          "describe",
	})
	e.DrainOnce(context.Background())

	sess, _ := e.Session(id)
	if sess.Status != SessionCompleted {
		t.Fatalf("expected completed, got %s (%s)", sess.Status, sess.Error)
	}
	if sess.Result != "alpha: describe\n\nbeta: describe" {
		t.Errorf("unexpected combined result: %q", sess.Result)
	}
}

func TestConditionalSkipsTarget(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a := agent.NewScripted("agent-a", "alpha", agent.WithResponse("check", "answer is no"))
	b := agent.NewScripted("agent-b", "beta")
	e.RegisterAgent(a, balancer.RegisterOptions{MaxCapacity: 10})
	e.RegisterAgent(b, balancer.RegisterOptions{MaxCapacity: 10})

	id, _ := e.RequestCoordination(Request{
		SourceAgentID: "agent-a",
		TargetAgentID: "agent-b",
		Mode:          Conditional,
		Task:          "check",
		Condition:     "yes",
	})
	e.DrainOnce(context.Background())

	sess, _ := e.Session(id)
	if sess.Status != SessionCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if sess.Result != "answer is no" {
		t.Errorf("condition unmet: target must not run, result %q", sess.Result)
	}
	if len(b.Calls()) != 0 {
		t.Errorf("target should not have been called, saw %v", b.Calls())
	}
}

func TestConditionalRunsTargetWhenMet(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a := agent.NewScripted("agent-a", "alpha", agent.WithResponse("check", "yes, proceed"))
	b := agent.NewScripted("agent-b", "beta")
	e.RegisterAgent(a, balancer.RegisterOptions{MaxCapacity: 10})
	e.RegisterAgent(b, balancer.RegisterOptions{MaxCapacity: 10})

	id, _ := e.RequestCoordination(Request{
		SourceAgentID: "agent-a",
		TargetAgentID: "agent-b",
		Mode:          Conditional,
		Task:          "check",
		Condition:     "yes",
	})
	e.DrainOnce(context.Background())

	sess, _ := e.Session(id)
	if sess.Result != "beta: yes, proceed" {
		t.Errorf("condition met: target must run, result %q", sess.Result)
	}
}

func TestFailedGenerationFailsSessionAndBlendsDown(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a := agent.NewScripted("agent-a", "alpha", agent.WithFailure(errors.New("model unavailable")))
	b := agent.NewScripted("agent-b", "beta")
	e.RegisterAgent(a, balancer.RegisterOptions{MaxCapacity: 10})
	e.RegisterAgent(b, balancer.RegisterOptions{MaxCapacity: 10})

	id, _ := e.RequestCoordination(Request{
		SourceAgentID: "agent-a",
		TargetAgentID: "agent-b",
		Mode:          Pipeline,
		Task:          "x",
	})
	e.DrainOnce(context.Background())

	sess, _ := e.Session(id)
	if sess.Status != SessionFailed {
		t.Fatalf("expected failed session, got %s", sess.Status)
	}

	perf, _ := e.AgentPerformance("agent-a")
	if perf.SuccessRate >= 0.5 {
		t.Errorf("failure must blend the rate down, got %f", perf.SuccessRate)
	}
	if perf.Failed != 1 {
		t.Errorf("expected 1 recorded failure, got %d", perf.Failed)
	}
}

func TestUnregisterCancelsQueuedRequests(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerPair(t, e)

	id1, _ := e.RequestCoordination(Request{SourceAgentID: "agent-a", TargetAgentID: "agent-b", Task: "one"})
	id2, _ := e.RequestCoordination(Request{SourceAgentID: "agent-a", TargetAgentID: "agent-b", Task: "two"})

	cancelled := e.UnregisterAgent("agent-a")
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 cancelled requests, got %v", cancelled)
	}
	if e.QueueLength() != 0 {
		t.Errorf("cancelled requests must leave the queue, length %d", e.QueueLength())
	}

	for _, id := range []string{id1, id2} {
		sess, _ := e.Session(id)
		if sess.Status != SessionCancelled {
			t.Errorf("session %s should be cancelled, got %s", id, sess.Status)
		}
	}

	if _, ok := e.AgentStatus("agent-a"); ok {
		t.Error("agent-a should be gone")
	}
}

func TestCheckpointReplayBounded(t *testing.T) {
	e, _, _ := newTestEngine(t)

	id := e.CreateCheckpoint("wf-1", "step-3", map[string]any{"cursor": 3})

	fail := errors.New("still broken")
	for i := 0; i < e.cfg.MaxRecoveryAttempts; i++ {
		if err := e.ReplayCheckpoint(id, func(cp Checkpoint) error { return fail }); err == nil {
			t.Fatal("replay should propagate the failure")
		}
	}

	err := e.ReplayCheckpoint(id, func(cp Checkpoint) error { return nil })
	if !errors.Is(err, ErrRecoveryExhausted) {
		t.Fatalf("expected ErrRecoveryExhausted, got %v", err)
	}
}

func TestCheckpointReplaySuccessRemoves(t *testing.T) {
	e, _, _ := newTestEngine(t)

	id := e.CreateCheckpoint("wf-1", "step-2", nil)
	var replayed Checkpoint
	if err := e.ReplayCheckpoint(id, func(cp Checkpoint) error {
		replayed = cp
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if replayed.WorkflowID != "wf-1" || replayed.LastStep != "step-2" {
		t.Errorf("unexpected checkpoint contents: %+v", replayed)
	}
	if _, ok := e.Checkpoint(id); ok {
		t.Error("successful replay must remove the checkpoint")
	}
}

func TestDirectModeRunsSingleGeneration(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a, _ := registerPair(t, e)

	// Source and target are the same agent; empty mode defaults to direct.
	id, err := e.RequestCoordination(Request{
		SourceAgentID: "agent-a",
		TargetAgentID: "agent-a",
		Task:          "summarize",
	})
	if err != nil {
		t.Fatal(err)
	}

	e.DrainOnce(context.Background())

	sess, _ := e.Session(id)
	if sess.Status != SessionCompleted {
		t.Fatalf("expected completed session, got %s (%s)", sess.Status, sess.Error)
	}
	if sess.Result != "alpha: summarize" {
		t.Errorf("direct mode must return the agent's own answer, got %q", sess.Result)
	}
	if calls := a.Calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one generation, got %v", calls)
	}
}

func TestExplicitTargetAccruesBalancerLoad(t *testing.T) {
	e, bal, _ := newTestEngine(t)
	registerPair(t, e)
	failing := agent.NewScripted("agent-c", "gamma", agent.WithFailure(errors.New("boom")))
	if err := e.RegisterAgent(failing, balancer.RegisterOptions{MaxCapacity: 10}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := e.RequestCoordination(Request{
			SourceAgentID: "agent-a",
			TargetAgentID: "agent-c",
			Mode:          Pipeline,
			Task:          "x",
		}); err != nil {
			t.Fatal(err)
		}
		e.DrainOnce(context.Background())
	}

	load, ok := bal.Agent("agent-c")
	if !ok {
		t.Fatal("agent-c missing from balancer")
	}
	if load.TotalRequests != 2 {
		t.Errorf("explicit dispatches must count, got %d total requests", load.TotalRequests)
	}
	if load.ActiveRequests != 0 {
		t.Errorf("active slots must be released on completion, got %d", load.ActiveRequests)
	}
	if load.SuccessRate != 0 {
		t.Errorf("success rate must reflect the failures, got %v", load.SuccessRate)
	}
}

// flakyAgent fails a fixed number of generations before succeeding.
type flakyAgent struct {
	id    string
	fails int

	mu    sync.Mutex
	calls int
}

func (f *flakyAgent) ID() string          { return f.id }
func (f *flakyAgent) Name() string        { return f.id }
func (f *flakyAgent) Tools() []agent.Tool { return nil }

func (f *flakyAgent) GenerateText(ctx context.Context, prompt, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", errors.New("upstream timeout")
	}
	return "recovered: " + prompt, nil
}

func (f *flakyAgent) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFaultHandlerRetriesTransientFailures(t *testing.T) {
	bal := balancer.New(balancer.DefaultConfig())
	events := bus.New(bus.DefaultConfig())
	handler := faults.NewHandler(faults.Config{
		Retry: faults.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond},
	}, nil)
	e := New(DefaultConfig(), bal, events, WithFaultHandler(handler))

	flaky := &flakyAgent{id: "agent-f", fails: 1}
	if err := e.RegisterAgent(flaky, balancer.RegisterOptions{MaxCapacity: 10}); err != nil {
		t.Fatal(err)
	}

	id, err := e.RequestCoordination(Request{
		SourceAgentID: "agent-f",
		TargetAgentID: "agent-f",
		Task:          "x",
	})
	if err != nil {
		t.Fatal(err)
	}

	e.DrainOnce(context.Background())

	sess, _ := e.Session(id)
	if sess.Status != SessionCompleted {
		t.Fatalf("transient failure should be retried to success, got %s (%s)", sess.Status, sess.Error)
	}
	if sess.Result != "recovered: x" {
		t.Errorf("unexpected result %q", sess.Result)
	}
	if n := flaky.count(); n != 2 {
		t.Errorf("expected 1 failure + 1 retry, got %d calls", n)
	}
}
