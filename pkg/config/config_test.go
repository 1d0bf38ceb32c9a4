package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/coalesce/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func int64Ptr(v int64) *int64 { return &v }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	fetch, ok := cfg.Coalesce.FetchLimit()
	assert.False(t, ok)
	assert.Zero(t, fetch)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero target", mutate: func(c *Config) { c.Coalesce.TargetBatchSize = 0 }},
		{name: "negative fetch", mutate: func(c *Config) { c.Coalesce.Fetch = int64Ptr(-1) }},
		{name: "unknown compression", mutate: func(c *Config) { c.Output.Compression = "brotli" }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "verbose" }},
		{name: "unknown encoding", mutate: func(c *Config) { c.Log.Encoding = "xml" }},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}},
		{name: "sampling rate above one", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "coalesce.yaml", `
coalesce:
  target_batch_size: 1024
  fetch: 100
output:
  directory: /tmp/out
  compression: zstd
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1024), cfg.Coalesce.TargetBatchSize)
	fetch, ok := cfg.Coalesce.FetchLimit()
	assert.True(t, ok)
	assert.Equal(t, int64(100), fetch)
	assert.True(t, cfg.Coalesce.CompactStringViews, "unset keys keep their defaults")
	assert.Equal(t, "/tmp/out", cfg.Output.Directory)
	assert.Equal(t, "zstd", cfg.Output.Compression)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Encoding)
}

func TestLoadFetch(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     string
		want    int64
		wantSet bool
	}{
		{name: "unset", content: "coalesce:\n  target_batch_size: 10\n"},
		{name: "zero is a limit", content: "coalesce:\n  fetch: 0\n", want: 0, wantSet: true},
		{name: "positive", content: "coalesce:\n  fetch: 50\n", want: 50, wantSet: true},
		{name: "from environment", content: "coalesce:\n  target_batch_size: 10\n", env: "25", want: 25, wantSet: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("COALESCE_COALESCE_FETCH", tt.env)
			}
			cfg, err := Load(writeFile(t, "coalesce.yaml", tt.content))
			require.NoError(t, err)

			fetch, ok := cfg.Coalesce.FetchLimit()
			assert.Equal(t, tt.wantSet, ok)
			assert.Equal(t, tt.want, fetch)
		})
	}
}

func TestSaveOmitsUnsetFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, Save(path, Default()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "fetch:")
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_BATCH_ROWS", "2048")
	path := writeFile(t, "coalesce.yaml", `
coalesce:
  target_batch_size: ${TEST_BATCH_ROWS}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), cfg.Coalesce.TargetBatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("COALESCE_COALESCE_TARGET_BATCH_SIZE", "512")
	t.Setenv("COALESCE_OUTPUT_COMPRESSION", "lz4")
	path := writeFile(t, "coalesce.yaml", `
coalesce:
  target_batch_size: 1024
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(512), cfg.Coalesce.TargetBatchSize)
	assert.Equal(t, "lz4", cfg.Output.Compression)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Load(writeFile(t, "bad.yaml", "coalesce: [unterminated"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Load(writeFile(t, "invalid.yaml", "coalesce:\n  target_batch_size: -5\n"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Coalesce.TargetBatchSize = 4096
	cfg.Coalesce.Fetch = int64Ptr(10)
	cfg.Output.Compression = "s2"
	cfg.Tracing.Enabled = true

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_SUBST", "value")
	assert.Equal(t, "a: value", substituteEnvVars("a: ${TEST_SUBST}"))
	assert.Equal(t, "a: ", substituteEnvVars("a: ${TEST_UNSET_VARIABLE}"))
	assert.Equal(t, "a: ${open", substituteEnvVars("a: ${open"))
}
