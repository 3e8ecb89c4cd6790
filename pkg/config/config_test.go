package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ignacio1972/mineria-sub003/pkg/config"
)

var screeningEnv = []string{
	"SCREENING_CONFIG", "SCREENING_DATABASE_URL", "SCREENING_DATA_DIR", "SCREENING_RULESET",
	"SCREENING_PROFILES", "SCREENING_LAYER_SOURCE", "SCREENING_LAYER_DIR", "SCREENING_S3_BUCKET",
	"SCREENING_S3_REGION", "SCREENING_S3_ENDPOINT", "SCREENING_S3_PREFIX", "SCREENING_GCS_BUCKET",
	"SCREENING_GCS_PREFIX", "SCREENING_REDIS_URL", "SCREENING_RUN_TIMEOUT", "SCREENING_LAYER_TIMEOUT",
	"SCREENING_POSTGIS_QPS", "SCREENING_OTLP_ENDPOINT", "SCREENING_LOG_LEVEL", "SCREENING_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	for _, k := range screeningEnv {
		t.Setenv(k, "")
	}
}

// The engine must start in lite mode with nothing configured.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.LiteMode())
	assert.Equal(t, filepath.Join("data", "screening.db"), cfg.SQLitePath())
	assert.Equal(t, filepath.Join("data", "layers"), cfg.LayerDir)
	assert.Equal(t, config.LayerSourceFS, cfg.LayerSource)
	assert.Equal(t, 60*time.Second, cfg.RunTimeout)
	assert.Equal(t, 10*time.Second, cfg.LayerTimeout)
	assert.Equal(t, 20.0, cfg.PostGISQPS)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.TelemetryEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCREENING_DATABASE_URL", "postgres://screening@db:5432/screening")
	t.Setenv("SCREENING_LAYER_SOURCE", "s3")
	t.Setenv("SCREENING_S3_BUCKET", "layers")
	t.Setenv("SCREENING_RUN_TIMEOUT", "2m")
	t.Setenv("SCREENING_LAYER_TIMEOUT", "15s")
	t.Setenv("SCREENING_POSTGIS_QPS", "5")
	t.Setenv("SCREENING_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("SCREENING_LOG_FORMAT", "json")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "layers", cfg.S3.Bucket)
	assert.Equal(t, 2*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 15*time.Second, cfg.LayerTimeout)
	assert.Equal(t, 5.0, cfg.PostGISQPS)
	assert.True(t, cfg.TelemetryEnabled())
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"SCREENING_RUN_TIMEOUT": "soon"}},
		{"bad qps", map[string]string{"SCREENING_POSTGIS_QPS": "many"}},
		{"unknown source", map[string]string{"SCREENING_LAYER_SOURCE": "ftp"}},
		{"s3 without bucket", map[string]string{"SCREENING_LAYER_SOURCE": "s3"}},
		{"gcs without bucket", map[string]string{"SCREENING_LAYER_SOURCE": "gcs"}},
		{"postgis without database", map[string]string{"SCREENING_LAYER_SOURCE": "postgis"}},
		{"layer timeout above run timeout", map[string]string{"SCREENING_RUN_TIMEOUT": "5s", "SCREENING_LAYER_TIMEOUT": "10s"}},
		{"bad log format", map[string]string{"SCREENING_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "screening.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/screening
layer_source: gcs
gcs:
  bucket: sig-layers
  prefix: chile/
run_timeout: 90s
log_level: DEBUG
`), 0o600))
	t.Setenv("SCREENING_CONFIG", path)
	t.Setenv("SCREENING_LOG_LEVEL", "WARN")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/screening", cfg.DataDir)
	assert.Equal(t, "/var/lib/screening/layers", cfg.LayerDir)
	assert.Equal(t, "sig-layers", cfg.GCS.Bucket)
	assert.Equal(t, "chile/", cfg.GCS.Prefix)
	assert.Equal(t, 90*time.Second, cfg.RunTimeout)
	assert.Equal(t, "WARN", cfg.LogLevel)
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screening.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: x\nlayer_sauce: fs\n"), 0o600))

	_, err := config.LoadFile(path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoadFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screening.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Defaults().RunTimeout, cfg.RunTimeout)
}
