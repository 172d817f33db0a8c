package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Relay.Listen != "127.0.0.1:9223" {
		t.Errorf("expected Listen=127.0.0.1:9223, got %s", cfg.Relay.Listen)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("expected MaxIterations=10, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.Marker != "LOOP_COMPLETE" {
		t.Errorf("expected Marker=LOOP_COMPLETE, got %s", cfg.Loop.Marker)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("TABNERD_LISTEN", "")
	t.Setenv("TABNERD_RELAY_URL", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Relay.Listen = "0.0.0.0:9999"
	cfg.Loop.MaxIterations = 25

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Relay.Listen != "0.0.0.0:9999" {
		t.Errorf("expected Listen=0.0.0.0:9999, got %s", loaded.Relay.Listen)
	}
	if loaded.Loop.MaxIterations != 25 {
		t.Errorf("expected MaxIterations=25, got %d", loaded.Loop.MaxIterations)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("TABNERD_LISTEN", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if cfg.Relay.Listen != "127.0.0.1:9223" {
		t.Errorf("expected defaults, got Listen=%s", cfg.Relay.Listen)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Run("TABNERD_LISTEN overrides listen address", func(t *testing.T) {
		t.Setenv("TABNERD_LISTEN", "127.0.0.1:7777")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "127.0.0.1:7777", cfg.Relay.Listen)
	})

	t.Run("TABNERD_RELAY_URL overrides client target", func(t *testing.T) {
		t.Setenv("TABNERD_RELAY_URL", "http://10.0.0.5:9223")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "http://10.0.0.5:9223", cfg.Client.RelayURL)
	})

	t.Run("TABNERD_MARKER overrides completion marker", func(t *testing.T) {
		t.Setenv("TABNERD_MARKER", "ALL_DONE")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "ALL_DONE", cfg.Loop.Marker)
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetRelayCallTimeout(); got != 30*time.Second {
		t.Errorf("GetRelayCallTimeout = %v, want 30s", got)
	}

	cfg.Relay.CallTimeout = "not-a-duration"
	if got := cfg.GetRelayCallTimeout(); got != 30*time.Second {
		t.Errorf("unparseable timeout should fall back to 30s, got %v", got)
	}

	cfg.Loop.Budget = "90m"
	if got := cfg.GetLoopBudget(); got != 90*time.Minute {
		t.Errorf("GetLoopBudget = %v, want 90m", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.MaxIterations = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_iterations")
	}

	cfg = DefaultConfig()
	cfg.Loop.Marker = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty marker")
	}
}
