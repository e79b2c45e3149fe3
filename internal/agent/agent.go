// Package agent defines the collaborator interface the orchestration core
// delegates text generation to.
package agent

import "context"

// Tool describes a capability an agent exposes. The core treats tools as
// opaque metadata.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Agent is an opaque capability provider. Implementations wrap an LLM
// provider, a remote service or a scripted fake.
type Agent interface {
	ID() string
	Name() string
	GenerateText(ctx context.Context, prompt, context string) (string, error)
	Tools() []Tool
}
