package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Worker.LeaseTTL)
	assert.Equal(t, 3, cfg.Webhook.MaxRetries)
	assert.InDelta(t, 7.0, cfg.Quality.Threshold, 0.001)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
database:
  driver: mysql
  dsn: user:pass@tcp(db:3306)/loom
worker:
  concurrency: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Worker.DispatchInterval)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_SERVER_PORT", "7070")
	t.Setenv("LOOM_DATABASE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
