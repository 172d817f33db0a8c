// Package config loads tabnerd configuration from .tabnerd/config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the workspace-local configuration file.
const DefaultPath = ".tabnerd/config.yaml"

// Config holds all tabnerd configuration.
type Config struct {
	// Relay daemon settings
	Relay RelayConfig `yaml:"relay"`

	// Downstream client settings
	Client ClientConfig `yaml:"client"`

	// Autonomous loop settings
	Loop LoopConfig `yaml:"loop"`

	// Run history archive
	History HistoryConfig `yaml:"history"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RelayConfig configures the relay daemon.
type RelayConfig struct {
	Listen      string `yaml:"listen"`
	CallTimeout string `yaml:"call_timeout"`
}

// ClientConfig configures downstream connections to a running relay.
type ClientConfig struct {
	RelayURL    string `yaml:"relay_url"`
	ClientID    string `yaml:"client_id"`
	CallTimeout string `yaml:"call_timeout"`
}

// LoopConfig configures the autonomous loop controller.
type LoopConfig struct {
	MaxIterations   int    `yaml:"max_iterations"`
	Budget          string `yaml:"budget"`
	Marker          string `yaml:"marker"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	StatePath       string `yaml:"state_path"`
}

// HistoryConfig configures the sqlite run archive.
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:      "127.0.0.1:9223",
			CallTimeout: "30s",
		},
		Client: ClientConfig{
			RelayURL:    "http://127.0.0.1:9223",
			CallTimeout: "30s",
		},
		Loop: LoopConfig{
			MaxIterations:   10,
			Budget:          "1h",
			Marker:          "LOOP_COMPLETE",
			CheckpointEvery: 5,
			StatePath:       ".tabnerd/loop_state.json",
		},
		History: HistoryConfig{
			Enabled:      true,
			DatabasePath: ".tabnerd/history.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   ".tabnerd/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("TABNERD_LISTEN"); addr != "" {
		c.Relay.Listen = addr
	}
	if url := os.Getenv("TABNERD_RELAY_URL"); url != "" {
		c.Client.RelayURL = url
	}
	if id := os.Getenv("TABNERD_CLIENT_ID"); id != "" {
		c.Client.ClientID = id
	}
	if path := os.Getenv("TABNERD_DB"); path != "" {
		c.History.DatabasePath = path
	}
	if marker := os.Getenv("TABNERD_MARKER"); marker != "" {
		c.Loop.Marker = marker
	}
}

// GetRelayCallTimeout returns the relay forward deadline as a duration.
func (c *Config) GetRelayCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Relay.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetClientCallTimeout returns the client call deadline as a duration.
func (c *Config) GetClientCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Client.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetLoopBudget returns the loop wall-clock budget as a duration.
func (c *Config) GetLoopBudget() time.Duration {
	d, err := time.ParseDuration(c.Loop.Budget)
	if err != nil {
		return time.Hour
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Relay.Listen == "" {
		return fmt.Errorf("relay listen address not configured")
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop max_iterations must be at least 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.CheckpointEvery < 1 {
		return fmt.Errorf("loop checkpoint_every must be at least 1, got %d", c.Loop.CheckpointEvery)
	}
	if c.Loop.Marker == "" {
		return fmt.Errorf("loop completion marker not configured")
	}
	return nil
}
