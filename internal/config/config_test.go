package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devguyrash/moduprompt/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "moduprompt.db", cfg.DBPath)
	assert.Equal(t, "127.0.0.1:4777", cfg.HTTPAddr)
	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, 1024, cfg.BroadcastCapacity)
	assert.False(t, cfg.SafeMode)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db-path: custom.db\nsafe-mode: true\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.db", cfg.DBPath)
	assert.True(t, cfg.SafeMode)
	assert.Equal(t, 64, cfg.MaxConnections, "unset keys keep their default")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db-path: custom.db\n"), 0o644))
	t.Setenv("MODUPROMPT_DAEMON_DB_PATH", "env.db")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.DBPath)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
}

func TestConfig_YAML_RendersResolvedValues(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "db-path: moduprompt.db")
}
