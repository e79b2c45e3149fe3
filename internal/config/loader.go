package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/kelseyhightower/envconfig"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the configuration file (if present), resolves ${ENV_VAR}
// references in string values, and applies VOLTAGENT_* environment
// overrides per group.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		resolved := resolveEnvRefs(data)
		if err := json.Unmarshal(resolved, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	envconfig.Process("VOLTAGENT_LOGGING", &cfg.Logging)
	envconfig.Process("VOLTAGENT_BUS", &cfg.Bus)
	envconfig.Process("VOLTAGENT_STATE", &cfg.State)
	envconfig.Process("VOLTAGENT_CACHE", &cfg.Cache)
	envconfig.Process("VOLTAGENT_BALANCER", &cfg.Balancer)
	envconfig.Process("VOLTAGENT_COORD", &cfg.Coord)
	envconfig.Process("VOLTAGENT_WORKFLOW", &cfg.Workflow)
	envconfig.Process("VOLTAGENT_FAULTS", &cfg.Faults)
	envconfig.Process("VOLTAGENT_PERSISTENCE", &cfg.Persistence)
	envconfig.Process("VOLTAGENT_SCHEDULE", &cfg.Schedule)
	envconfig.Process("VOLTAGENT_BRIDGE", &cfg.Bridge)

	if p, err := expandHome(cfg.Persistence.Path); err == nil {
		cfg.Persistence.Path = p
	}

	return cfg, nil
}

// resolveEnvRefs replaces ${VAR} occurrences with the variable's value.
// Unset variables resolve to the empty string.
func resolveEnvRefs(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
