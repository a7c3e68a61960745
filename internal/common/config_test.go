package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_Validates(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, EphemeralBadger, config.Storage.Ephemeral)
	assert.Equal(t, 2, config.Pipeline.CategoryThreshold)
	assert.True(t, config.Pipeline.ParallelEnabled)
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	base := writeConfig(t, dir, "base.toml", `
[pipeline]
chunk_size = 3
chunk_level = true

[queue]
concurrency = 2
`)
	override := writeConfig(t, dir, "override.toml", `
[pipeline]
chunk_size = 4
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 4, config.Pipeline.ChunkSize)
	assert.True(t, config.Pipeline.ChunkLevel)
	assert.Equal(t, 2, config.Queue.Concurrency)
	// Untouched sections keep their defaults
	assert.Equal(t, "24h", config.Reconciler.MarkerTTL)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "menulens.toml", `
[server]
port = 9000

[pipeline]
parallel_enabled = true
`)

	t.Setenv("MENULENS_SERVER_PORT", "9100")
	t.Setenv("MENULENS_PIPELINE_PARALLEL", "false")
	t.Setenv("MENULENS_LOG_OUTPUT", " stdout , ")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port)
	assert.False(t, config.Pipeline.ParallelEnabled)
	assert.Equal(t, []string{"stdout"}, config.Logging.Output)

	ApplyFlagOverrides(config, 9200, "0.0.0.0")
	assert.Equal(t, 9200, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestLoadFromFiles_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFiles(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	broken := writeConfig(t, dir, "broken.toml", "[pipeline\nchunk_size = ")
	_, err = LoadFromFiles(broken)
	assert.Error(t, err)

	invalid := writeConfig(t, dir, "invalid.toml", `
[pipeline]
chunk_size = 0
`)
	_, err = LoadFromFiles(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown ephemeral backend", func(c *Config) { c.Storage.Ephemeral = "memcached" }, "storage.ephemeral"},
		{"zero workers", func(c *Config) { c.Queue.Concurrency = 0 }, "queue.concurrency"},
		{"zero category threshold", func(c *Config) { c.Pipeline.CategoryThreshold = 0 }, "category_threshold"},
		{"bad timeout", func(c *Config) { c.Pipeline.TotalTimeout = "soon" }, "pipeline.total_timeout"},
		{"negative interval", func(c *Config) { c.Reconciler.Interval = "-5s" }, "reconciler.interval"},
		{"bad cron", func(c *Config) { c.Scheduler.StaleSchedule = "every tuesday" }, "stale_schedule"},
		{"external reconciler with embedded store", func(c *Config) { c.Reconciler.Enabled = false }, "reconciler.enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidate_ExternalReconcilerWithRedis(t *testing.T) {
	config := NewDefaultConfig()
	config.Reconciler.Enabled = false
	config.Storage.Ephemeral = EphemeralRedis
	assert.NoError(t, config.Validate())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseDuration("3s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("nope", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("-1s", time.Minute))
}
