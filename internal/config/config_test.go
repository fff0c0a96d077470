package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Empty(t, cfg.Schema.ID)
	assert.Equal(t, "scores", cfg.Schema.Alias)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "sqlite", cfg.Coordination.Backend)
	assert.Equal(t, 500, cfg.Reader.ChunkSize)
	assert.Equal(t, -1, cfg.Reader.MaxRetries)
	assert.Equal(t, 8, cfg.Dispatch.BufferSize)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, time.Minute, cfg.Dispatch.ThrottleBackoff)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate_MissingSchemaFailsFast(t *testing.T) {
	// Given: defaults without a schema id
	cfg := NewConfig()

	// When: validating
	err := cfg.Validate()

	// Then: a schema missing error with a suggestion
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrSchemaMissing))
	assert.True(t, serrors.IsFatal(err))
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"schema with dash", func(c *Config) { c.Schema.ID = "v-2" }},
		{"empty alias", func(c *Config) { c.Schema.Alias = "" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"unknown backend", func(c *Config) { c.Coordination.Backend = "redis" }},
		{"etcd without endpoints", func(c *Config) { c.Coordination.Backend = "etcd" }},
		{"zero chunk", func(c *Config) { c.Reader.ChunkSize = 0 }},
		{"zero buffer", func(c *Config) { c.Dispatch.BufferSize = 0 }},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }},
		{"zero backoff", func(c *Config) { c.Dispatch.ThrottleBackoff = 0 }},
		{"zero poll", func(c *Config) { c.Poll.Interval = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Schema.ID = "v1"
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Equal(t, serrors.CategoryConfig, serrors.GetCategory(err))
		})
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	// Given: a partial config file
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schema:
  id: v7
  close_previous: true
dispatch:
  workers: 2
  throttle_backoff: 250ms
coordination:
  backend: memory
`), 0o644))

	// When: loading
	cfg, err := Load(path)

	// Then: file values win, untouched keys keep defaults
	require.NoError(t, err)
	assert.Equal(t, "v7", cfg.Schema.ID)
	assert.True(t, cfg.Schema.ClosePrevious)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.ThrottleBackoff)
	assert.Equal(t, 8, cfg.Dispatch.BufferSize)
	assert.Equal(t, "memory", cfg.Coordination.Backend)
	assert.Equal(t, "scores", cfg.Schema.Alias)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// Given: a file and env overrides
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema:\n  id: v1\n"), 0o644))
	t.Setenv("SCORESYNC_SCHEMA_ID", "v2")
	t.Setenv("SCORESYNC_COORD_BACKEND", "etcd")
	t.Setenv("SCORESYNC_COORD_ENDPOINTS", "http://a:2379, http://b:2379")
	t.Setenv("SCORESYNC_WORKERS", "6")

	// When: loading
	cfg, err := Load(path)

	// Then: env wins
	require.NoError(t, err)
	assert.Equal(t, "v2", cfg.Schema.ID)
	assert.Equal(t, "etcd", cfg.Coordination.Backend)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Coordination.Endpoints)
	assert.Equal(t, 6, cfg.Dispatch.Workers)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeConfigNotFound, serrors.GetCode(err))
}

func TestLoad_DefaultFileOptional(t *testing.T) {
	// Given: no scoresync.yaml in the working directory
	t.Chdir(t.TempDir())
	t.Setenv("SCORESYNC_SCHEMA_ID", "v1")

	// When: loading with no path
	cfg, err := Load("")

	// Then: defaults plus env
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.Schema.ID)
}

func TestLoadDeployment_AllowsMissingSchema(t *testing.T) {
	// Given: a deployment config without a schema id
	t.Chdir(t.TempDir())
	t.Setenv("SCORESYNC_SCHEMA_ID", "")

	// When: an administrative command loads it
	cfg, err := LoadDeployment("")

	// Then: it loads, while a worker load still fails fast
	require.NoError(t, err)
	assert.Empty(t, cfg.Schema.ID)
	_, err = Load("")
	assert.True(t, errors.Is(err, serrors.ErrSchemaMissing))
}

func TestLoadDeployment_StillValidatesValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCORESYNC_SCHEMA_ID", "bad id")

	_, err := LoadDeployment("")

	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeConfigInvalid, serrors.GetCode(err))
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema: [unclosed"), 0o644))

	_, err := Load(path)

	require.Error(t, err)
	assert.Equal(t, serrors.ErrCodeConfigInvalid, serrors.GetCode(err))
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	cfg := NewConfig()
	cfg.Schema.ID = "v9"
	cfg.Reader.RetryDelay = 3 * time.Second
	path := filepath.Join(t.TempDir(), "out.yaml")

	require.NoError(t, cfg.WriteYAML(path))
	loaded, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "v9", loaded.Schema.ID)
	assert.Equal(t, 3*time.Second, loaded.Reader.RetryDelay)
}
