package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSettingsDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.True(t, cfg.Settings.FilterHealthChecks)
}

func TestLoadWithoutFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("sniffler", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().LogLevel, cfg.LogLevel)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("log_level: debug\nmetrics_port: 9999\nsettings:\n  global_auto_start: false\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sniffler.yml"), content, 0o644))

	cfg, err := Load("sniffler", dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9999, cfg.MetricsPort)
	assert.False(t, cfg.Settings.GlobalAutoStart)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SNIFFLER_LOG_LEVEL", "warn")
	cfg, err := Load("sniffler", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
