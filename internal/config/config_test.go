package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "CREWPLAN_API_KEY", "CREWPLAN_MODEL", "CREWPLAN_STATE_DIR"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 20, cfg.Constraints.PerPackageMax)
	assert.Len(t, cfg.Profiles, 4)
	assert.Equal(t, 65536, cfg.Profiles["scheduler_and_staffer"].MaxOutputTokens)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pipeline, cfg.Pipeline)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "crewplan.yaml")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "k-test"
	cfg.Constraints.WorkforceMax = 42
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "k-test", loaded.LLM.APIKey)
	assert.Equal(t, 42, loaded.Constraints.WorkforceMax)
}

func TestLoad_PartialYAMLKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "crewplan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("constraints:\n  workforce_max: 15\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Constraints.WorkforceMax)
	assert.Equal(t, 20, cfg.Constraints.PerPackageMax)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
}

func TestConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "env-gemini")
	t.Setenv("CREWPLAN_STATE_DIR", "/tmp/state")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	assert.Equal(t, "env-gemini", cfg.LLM.APIKey)
	assert.Equal(t, "/tmp/state", cfg.Pipeline.StateDir)

	t.Setenv("CREWPLAN_API_KEY", "generic")
	cfg.applyEnvOverrides()
	assert.Equal(t, "generic", cfg.LLM.APIKey)
}

func TestConfig_ValidateMissingCredential(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredential))
}

func TestConfig_ValidateRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "k"
	cfg.Constraints.WorkforceMin = 50
	cfg.Constraints.WorkforceMax = 10
	cfg.Pipeline.BatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "workforce_min exceeds")
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.PerCallTimeout = "45s"
	cfg.LLM.RetryBackoffMax = "garbage"

	got := cfg.Timeouts()
	assert.Equal(t, 45*time.Second, got.PerCallTimeout)
	assert.Equal(t, DefaultLLMTimeouts().RetryBackoffMax, got.RetryBackoffMax)
}
