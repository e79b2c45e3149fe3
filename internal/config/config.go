// Package config loads orchestrator configuration from a JSON file with
// per-group environment overrides. Priority: environment > file > defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/voltagent/voltagent/internal/balancer"
	"github.com/voltagent/voltagent/internal/bridge"
	"github.com/voltagent/voltagent/internal/bus"
	"github.com/voltagent/voltagent/internal/cache"
	"github.com/voltagent/voltagent/internal/coord"
	"github.com/voltagent/voltagent/internal/faults"
	"github.com/voltagent/voltagent/internal/schedule"
	"github.com/voltagent/voltagent/internal/state"
	"github.com/voltagent/voltagent/internal/workflow"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".voltagent"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// LoggingConfig controls the slog handler installed at startup.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"`
}

// PersistenceConfig selects the snapshot backend for the state store.
type PersistenceConfig struct {
	Backend       string `json:"backend" envconfig:"BACKEND"`
	Path          string `json:"path" envconfig:"PATH"`
	RedisAddr     string `json:"redisAddr" envconfig:"REDIS_ADDR"`
	RedisPassword string `json:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb" envconfig:"REDIS_DB"`
	Namespace     string `json:"namespace" envconfig:"NAMESPACE"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Bus         bus.Config        `json:"bus"`
	State       state.Config      `json:"state"`
	Cache       cache.Config      `json:"cache"`
	Balancer    balancer.Config   `json:"balancer"`
	Coord       coord.Config      `json:"coordination"`
	Workflow    workflow.Config   `json:"workflow"`
	Faults      faults.Config     `json:"faults"`
	Persistence PersistenceConfig `json:"persistence"`
	Schedule    schedule.Config   `json:"schedule"`
	Bridge      bridge.Config     `json:"bridge"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Bus:      bus.DefaultConfig(),
		State:    state.DefaultConfig(),
		Cache:    cache.DefaultConfig(),
		Balancer: balancer.DefaultConfig(),
		Coord:    coord.DefaultConfig(),
		Workflow: workflow.DefaultConfig(),
		Faults:   faults.DefaultConfig(),
		Persistence: PersistenceConfig{
			Backend:   "file",
			Path:      "~/.voltagent/state.json",
			Namespace: "voltagent",
		},
		Schedule: schedule.DefaultConfig(),
		Bridge:   bridge.DefaultConfig(),
	}
}

// ConfigPath returns the path to the config file. VOLTAGENT_CONFIG overrides
// the default ~/.voltagent/config.json.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("VOLTAGENT_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("VOLTAGENT_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}
