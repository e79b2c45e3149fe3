package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File-format types: durations are strings ("30s", "5m") and converted on
// load.

type defDoc struct {
	ID      string    `yaml:"id"`
	Name    string    `yaml:"name"`
	Timeout string    `yaml:"timeout"`
	Retry   *retryDoc `yaml:"retry"`
	Steps   []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	ID        string         `yaml:"id"`
	Type      string         `yaml:"type"`
	DependsOn []string       `yaml:"depends_on"`
	Timeout   string         `yaml:"timeout"`
	Retry     *retryDoc      `yaml:"retry"`
	Params    map[string]any `yaml:"params"`
}

type retryDoc struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	Delay       string `yaml:"delay"`
	MaxDelay    string `yaml:"max_delay"`
}

// ParseDefinition parses a YAML workflow definition.
func ParseDefinition(data []byte) (Definition, error) {
	var doc defDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Definition{}, fmt.Errorf("failed to parse workflow yaml: %w", err)
	}
	return doc.toDefinition()
}

// LoadDefinitionFile reads and parses a YAML workflow definition file.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read workflow file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func (d defDoc) toDefinition() (Definition, error) {
	def := Definition{ID: d.ID, Name: d.Name}

	var err error
	if def.Timeout, err = parseDuration(d.Timeout, "timeout"); err != nil {
		return Definition{}, err
	}
	if d.Retry != nil {
		policy, err := d.Retry.toPolicy()
		if err != nil {
			return Definition{}, err
		}
		def.Retry = policy
	}

	for _, sd := range d.Steps {
		step := Step{
			ID:        sd.ID,
			Type:      sd.Type,
			DependsOn: sd.DependsOn,
			Params:    sd.Params,
		}
		if step.Timeout, err = parseDuration(sd.Timeout, "step "+sd.ID+" timeout"); err != nil {
			return Definition{}, err
		}
		if sd.Retry != nil {
			policy, err := sd.Retry.toPolicy()
			if err != nil {
				return Definition{}, err
			}
			step.Retry = &policy
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (r retryDoc) toPolicy() (RetryPolicy, error) {
	policy := RetryPolicy{MaxAttempts: r.MaxAttempts}
	switch r.Backoff {
	case "", string(BackoffFixed):
		policy.Backoff = BackoffFixed
	case string(BackoffLinear):
		policy.Backoff = BackoffLinear
	case string(BackoffExponential):
		policy.Backoff = BackoffExponential
	default:
		return RetryPolicy{}, fmt.Errorf("unknown backoff kind %q", r.Backoff)
	}

	var err error
	if policy.Delay, err = parseDuration(r.Delay, "retry delay"); err != nil {
		return RetryPolicy{}, err
	}
	if policy.MaxDelay, err = parseDuration(r.MaxDelay, "retry max_delay"); err != nil {
		return RetryPolicy{}, err
	}
	return policy, nil
}

func parseDuration(s, what string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	return d, nil
}
