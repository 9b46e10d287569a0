package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.LoopIntervalSeconds)
	assert.Equal(t, 10, cfg.Worktree.MaxConcurrentWorktrees)
	assert.Equal(t, "claude", cfg.Agent.PrimaryCommand)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Budget.ThresholdPercent, cfg.Budget.ThresholdPercent)
}

func TestLoadOverlaysYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	content := `
orchestrator:
  loop_interval_seconds: 15
worktree:
  max_concurrent_worktrees: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Orchestrator.LoopIntervalSeconds)
	assert.Equal(t, 3, cfg.Worktree.MaxConcurrentWorktrees)
	// Untouched fields keep their defaults.
	assert.Equal(t, "claude", cfg.Agent.PrimaryCommand)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{not yaml"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadExpandsEnvInYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  host: ${TEST_DB_HOST}\n  database: orch\n"), 0644))

	t.Setenv("TEST_DB_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestApplyEnvOverridesTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  loop_interval_seconds: 15\n"), 0644))

	t.Setenv("ORCHESTRATOR_LOOP_INTERVAL_SECONDS", "30")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Orchestrator.LoopIntervalSeconds)
}

func TestApplyEnvOverridesInvalidValuesIgnored(t *testing.T) {
	cfg := Defaults()
	t.Setenv("ORCHESTRATOR_LOOP_INTERVAL_SECONDS", "not-a-number")
	applyEnvOverrides(cfg)
	assert.Equal(t, Defaults().Orchestrator.LoopIntervalSeconds, cfg.Orchestrator.LoopIntervalSeconds)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worktree:\n  max_concurrent_worktrees: -1\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
