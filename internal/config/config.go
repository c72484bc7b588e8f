// Package config loads and validates beacon configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (BEACON_*).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// Overlay environment variables: BEACON_SERVER.PORT -> server.port, etc.
	if err := k.Load(env.Provider("BEACON_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BEACON_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// knownProviders is the set of recognized delivery provider names.
var knownProviders = map[string]bool{
	"push":     true,
	"realtime": true,
	"altpush":  true,
	"mock":     true,
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must name at least one provider")
	}
	for _, name := range c.Providers.Order {
		if !knownProviders[name] {
			return fmt.Errorf("unknown provider %q: must be one of push, realtime, altpush, mock", name)
		}
	}

	if c.RateLimit.BurstLimit <= 0 {
		return fmt.Errorf("rate_limit.burst_limit must be positive")
	}
	if c.RateLimit.BurstWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.burst_window_seconds must be positive")
	}
	if c.RateLimit.SustainedLimit < c.RateLimit.BurstLimit {
		return fmt.Errorf("rate_limit.sustained_limit must be >= burst_limit")
	}
	if c.RateLimit.ViolationThreshold <= 0 {
		return fmt.Errorf("rate_limit.violation_threshold must be positive")
	}

	if c.Queue.TTLHours <= 0 {
		return fmt.Errorf("queue.ttl_hours must be positive")
	}
	if c.Queue.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("queue.sweep_interval_seconds must be positive")
	}

	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must be non-negative")
	}

	return nil
}
