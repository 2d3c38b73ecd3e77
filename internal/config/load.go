package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides. These win over the config file so a
// deployment can retarget the agent without editing config.yaml.
const (
	EnvAPIServerURL   = "COS_API_SERVER_URL"
	EnvAPIProjectSlug = "COS_API_PROJECT_SLUG"
)

// Load reads and parses a YAML config file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns a
// Config with defaults and environment overrides applied. First runs work
// without a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)

		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvAPIServerURL); v != "" {
		cfg.API.ServerURL = v
	}

	if v := os.Getenv(EnvAPIProjectSlug); v != "" {
		cfg.API.ProjectSlug = v
	}
}
