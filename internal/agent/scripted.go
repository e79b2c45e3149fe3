package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedAgent is a deterministic Agent used by tests and the CLI demo. It
// answers from a canned response table, falling back to echoing the prompt.
type ScriptedAgent struct {
	id        string
	name      string
	tools     []Tool
	responses map[string]string
	delay     time.Duration
	failWith  error

	mu    sync.Mutex
	calls []string
}

// ScriptedOption configures a ScriptedAgent.
type ScriptedOption func(*ScriptedAgent)

// WithResponse cans a response for an exact prompt.
func WithResponse(prompt, response string) ScriptedOption {
	return func(a *ScriptedAgent) { a.responses[prompt] = response }
}

// WithTools sets the advertised tool list.
func WithTools(tools ...Tool) ScriptedOption {
	return func(a *ScriptedAgent) { a.tools = tools }
}

// WithDelay makes every generation take a fixed time.
func WithDelay(d time.Duration) ScriptedOption {
	return func(a *ScriptedAgent) { a.delay = d }
}

// WithFailure makes every generation fail with err.
func WithFailure(err error) ScriptedOption {
	return func(a *ScriptedAgent) { a.failWith = err }
}

// NewScripted creates a scripted agent.
func NewScripted(id, name string, opts ...ScriptedOption) *ScriptedAgent {
	a := &ScriptedAgent{
		id:        id,
		name:      name,
		responses: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent id.
func (a *ScriptedAgent) ID() string { return a.id }

// Name returns the display name.
func (a *ScriptedAgent) Name() string { return a.name }

// Tools returns the advertised tools.
func (a *ScriptedAgent) Tools() []Tool { return a.tools }

// GenerateText answers from the response table, or echoes the prompt as
// "<name>: <prompt>" when no canned response matches.
func (a *ScriptedAgent) GenerateText(ctx context.Context, prompt, _ string) (string, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.failWith != nil {
		return "", a.failWith
	}

	a.mu.Lock()
	a.calls = append(a.calls, prompt)
	a.mu.Unlock()

	if resp, ok := a.responses[prompt]; ok {
		return resp, nil
	}
	return fmt.Sprintf("%s: %s", a.name, prompt), nil
}

// Calls returns the prompts seen so far, in order.
func (a *ScriptedAgent) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}
