package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingExecutor runs steps from a function table, recording order.
type recordingExecutor struct {
	mu       sync.Mutex
	order    []string
	handlers map[string]func(ctx context.Context, step Step, wctx *Context) (any, error)
	errored  []string
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		handlers: make(map[string]func(ctx context.Context, step Step, wctx *Context) (any, error)),
	}
}

func (r *recordingExecutor) on(stepID string, fn func(ctx context.Context, step Step, wctx *Context) (any, error)) {
	r.handlers[stepID] = fn
}

func (r *recordingExecutor) ExecuteStep(ctx context.Context, step Step, wctx *Context) (any, error) {
	r.mu.Lock()
	r.order = append(r.order, step.ID)
	r.mu.Unlock()
	if fn, ok := r.handlers[step.ID]; ok {
		return fn(ctx, step, wctx)
	}
	return "ok:" + step.ID, nil
}

func (r *recordingExecutor) HandleStepError(step Step, err error, wctx *Context) {
	r.mu.Lock()
	r.errored = append(r.errored, step.ID)
	r.mu.Unlock()
}

func (r *recordingExecutor) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func diamond() Definition {
	return Definition{
		ID: "diamond",
		Steps: []Step{
			{ID: "a", Type: "execution"},
			{ID: "b", Type: "execution", DependsOn: []string{"a"}},
			{ID: "c", Type: "execution", DependsOn: []string{"a"}},
			{ID: "d", Type: "execution", DependsOn: []string{"b", "c"}},
		},
	}
}

func TestRegisterRejectsCycle(t *testing.T) {
	m := New(DefaultConfig(), newRecordingExecutor(), nil)

	err := m.Register(Definition{
		ID: "cyclic",
		Steps: []Step{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatal("cyclic workflow must be rejected at registration")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("expected circular dependency error, got %v", err)
	}
	if _, ok := m.Definition("cyclic"); ok {
		t.Error("rejected workflow must not be registered")
	}
}

func TestRegisterRejectsUnknownDependency(t *testing.T) {
	m := New(DefaultConfig(), newRecordingExecutor(), nil)

	err := m.Register(Definition{
		ID:    "broken",
		Steps: []Step{{ID: "a", DependsOn: []string{"ghost"}}},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown step") {
		t.Errorf("expected unknown step error, got %v", err)
	}
}

func TestDiamondExecutionOrder(t *testing.T) {
	exec := newRecordingExecutor()
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	if err := m.Register(diamond()); err != nil {
		t.Fatal(err)
	}

	id, err := m.Execute("diamond", nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}

	order := exec.executed()
	pos := make(map[string]int, len(order))
	for i, s := range order {
		pos[s] = i
	}
	if pos["d"] < pos["b"] || pos["d"] < pos["c"] {
		t.Errorf("d must run after b and c, order %v", order)
	}
	if pos["b"] < pos["a"] || pos["c"] < pos["a"] {
		t.Errorf("b and c must run after a, order %v", order)
	}
}

func TestFailedDependencySkipsDownstream(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("b", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		return nil, errors.New("b is broken")
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	if err := m.Register(diamond()); err != nil {
		t.Fatal(err)
	}

	id, _ := m.Execute("diamond", nil)
	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != StatusFailed {
		t.Fatalf("expected failed workflow, got %s", result.Status)
	}
	for _, s := range exec.executed() {
		if s == "d" {
			t.Error("d must not execute when b failed")
		}
	}
	if r, ok := result.Results["b"]; !ok || r.Status != StepFailed {
		t.Errorf("b should be recorded failed, got %+v", r)
	}
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	exec := newRecordingExecutor()
	attempts := 0
	exec.on("flaky", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure %d", attempts)
		}
		return "finally", nil
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{
		ID: "retrying",
		Steps: []Step{{
			ID:    "flaky",
			Retry: &RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, Delay: time.Millisecond},
		}},
	})

	id, _ := m.Execute("retrying", nil)
	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed after retries, got %s", result.Status)
	}
	if r := result.Results["flaky"]; r.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", r.Attempts)
	}
}

func TestStepExhaustsRetriesFailsWorkflow(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("doomed", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		return nil, errors.New("permanent failure")
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{
		ID: "doomed-wf",
		Steps: []Step{
			{ID: "doomed", Retry: &RetryPolicy{MaxAttempts: 2, Backoff: BackoffFixed, Delay: time.Millisecond}},
			{ID: "after", DependsOn: []string{"doomed"}},
		},
	})

	id, _ := m.Execute("doomed-wf", nil)
	result, _ := m.Wait(id, 5*time.Second)

	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if len(exec.errored) != 2 {
		t.Errorf("HandleStepError should fire per attempt, got %d", len(exec.errored))
	}
	for _, s := range exec.executed() {
		if s == "after" {
			t.Error("a failed step aborts the remaining workflow")
		}
	}
}

func TestStepTimeoutIsFailure(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("slow", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{
		ID:    "slow-wf",
		Steps: []Step{{ID: "slow", Timeout: 20 * time.Millisecond}},
	})

	id, _ := m.Execute("slow-wf", nil)
	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFailed {
		t.Errorf("a timed-out step must fail the workflow, got %s", result.Status)
	}
}

func TestWorkflowTimeout(t *testing.T) {
	exec := newRecordingExecutor()
	exec.on("hang", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{
		ID:      "hanging",
		Timeout: 30 * time.Millisecond,
		Steps:   []Step{{ID: "hang", Timeout: time.Minute}},
	})

	id, _ := m.Execute("hanging", nil)
	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed on workflow timeout, got %s", result.Status)
	}
	if !strings.Contains(result.Error, "timeout") {
		t.Errorf("expected timeout reason, got %q", result.Error)
	}
}

func TestCancelDuringStep(t *testing.T) {
	exec := newRecordingExecutor()
	started := make(chan struct{})
	exec.on("long", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{
		ID:    "cancellable",
		Steps: []Step{{ID: "long", Timeout: time.Minute}, {ID: "next", DependsOn: []string{"long"}}},
	})

	id, _ := m.Execute("cancellable", nil)
	<-started
	if err := m.Cancel(id); err != nil {
		t.Fatal(err)
	}

	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
	for _, s := range exec.executed() {
		if s == "next" {
			t.Error("steps after cancellation must not run")
		}
	}
}

func TestPauseResumeBetweenSteps(t *testing.T) {
	exec := newRecordingExecutor()
	firstDone := make(chan struct{})
	exec.on("first", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		defer close(firstDone)
		return "ok", nil
	})
	release := make(chan struct{})
	exec.on("second", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		<-release
		return "ok", nil
	})

	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{
		ID:    "pausable",
		Steps: []Step{{ID: "first"}, {ID: "second", DependsOn: []string{"first"}}},
	})

	id, _ := m.Execute("pausable", nil)
	<-firstDone

	// Pause may race with the gap between steps; tolerate the execution
	// already entering step two.
	if err := m.Pause(id); err == nil {
		ex, _ := m.Execution(id)
		if ex.Status != StatusPaused {
			t.Fatalf("expected paused, got %s", ex.Status)
		}
		if err := m.Resume(id); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	result, err := m.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("expected completed after resume, got %s", result.Status)
	}
}

func TestRetryBackoffDelays(t *testing.T) {
	cases := []struct {
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{RetryPolicy{Backoff: BackoffFixed, Delay: time.Second}, 3, time.Second},
		{RetryPolicy{Backoff: BackoffLinear, Delay: time.Second}, 3, 3 * time.Second},
		{RetryPolicy{Backoff: BackoffExponential, Delay: time.Second}, 3, 4 * time.Second},
		{RetryPolicy{Backoff: BackoffExponential, Delay: time.Second, MaxDelay: 3 * time.Second}, 4, 3 * time.Second},
		{RetryPolicy{Backoff: BackoffLinear, Delay: time.Second, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
	}
	for i, c := range cases {
		if got := c.policy.DelayFor(c.attempt); got != c.want {
			t.Errorf("case %d: DelayFor(%d) = %v, want %v", i, c.attempt, got, c.want)
		}
	}
}

func TestExecuteReturnsImmediately(t *testing.T) {
	exec := newRecordingExecutor()
	release := make(chan struct{})
	exec.on("gated", func(ctx context.Context, step Step, wctx *Context) (any, error) {
		<-release
		return "ok", nil
	})
	m := New(DefaultConfig(), exec, nil, WithSleeper(noSleep))
	m.Register(Definition{ID: "async", Steps: []Step{{ID: "gated", Timeout: time.Minute}}})

	id, err := m.Execute("async", nil)
	if err != nil {
		t.Fatal(err)
	}
	ex, ok := m.Execution(id)
	if !ok {
		t.Fatal("execution must be visible immediately")
	}
	if ex.Status.Terminal() {
		t.Fatalf("execution should still be in flight, got %s", ex.Status)
	}
	close(release)
	if _, err := m.Wait(id, 5*time.Second); err != nil {
		t.Fatal(err)
	}
}
