package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Layer source kinds.
const (
	LayerSourceFS      = "fs"
	LayerSourceS3      = "s3"
	LayerSourceGCS     = "gcs"
	LayerSourcePostGIS = "postgis"
)

// ErrInvalidConfig is returned when configuration values fail validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

var validate = validator.New()

// Config holds process configuration for the screening engine.
type Config struct {
	DatabaseURL  string        `yaml:"database_url"`
	DataDir      string        `yaml:"data_dir" validate:"required"`
	RulesetPath  string        `yaml:"ruleset"`
	ProfilesPath string        `yaml:"profiles"`
	LayerSource  string        `yaml:"layer_source" validate:"oneof=fs s3 gcs postgis"`
	LayerDir     string        `yaml:"layer_dir"`
	S3           S3Config      `yaml:"s3"`
	GCS          GCSConfig     `yaml:"gcs"`
	RedisURL     string        `yaml:"redis_url"`
	RunTimeout   time.Duration `yaml:"run_timeout" validate:"gt=0"`
	LayerTimeout time.Duration `yaml:"layer_timeout" validate:"gt=0,ltefield=RunTimeout"`
	PostGISQPS   float64       `yaml:"postgis_qps" validate:"gte=0"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	LogLevel     string        `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	LogFormat    string        `yaml:"log_format" validate:"oneof=json text"`
}

// S3Config locates layer snapshots in an S3 bucket.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// GCSConfig locates layer snapshots in a GCS bucket.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		DataDir:      "data",
		LayerSource:  LayerSourceFS,
		RunTimeout:   60 * time.Second,
		LayerTimeout: 10 * time.Second,
		PostGISQPS:   20,
		LogLevel:     "INFO",
		LogFormat:    "text",
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// SCREENING_CONFIG, and SCREENING_* environment variables, in that order of
// precedence from lowest to highest.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("SCREENING_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	envString("SCREENING_DATABASE_URL", &cfg.DatabaseURL)
	envString("SCREENING_DATA_DIR", &cfg.DataDir)
	envString("SCREENING_RULESET", &cfg.RulesetPath)
	envString("SCREENING_PROFILES", &cfg.ProfilesPath)
	envString("SCREENING_LAYER_SOURCE", &cfg.LayerSource)
	envString("SCREENING_LAYER_DIR", &cfg.LayerDir)
	envString("SCREENING_S3_BUCKET", &cfg.S3.Bucket)
	envString("SCREENING_S3_REGION", &cfg.S3.Region)
	envString("SCREENING_S3_ENDPOINT", &cfg.S3.Endpoint)
	envString("SCREENING_S3_PREFIX", &cfg.S3.Prefix)
	envString("SCREENING_GCS_BUCKET", &cfg.GCS.Bucket)
	envString("SCREENING_GCS_PREFIX", &cfg.GCS.Prefix)
	envString("SCREENING_REDIS_URL", &cfg.RedisURL)
	envString("SCREENING_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	envString("SCREENING_LOG_LEVEL", &cfg.LogLevel)
	envString("SCREENING_LOG_FORMAT", &cfg.LogFormat)

	var errs []error
	errs = append(errs,
		envDuration("SCREENING_RUN_TIMEOUT", &cfg.RunTimeout),
		envDuration("SCREENING_LAYER_TIMEOUT", &cfg.LayerTimeout),
		envFloat("SCREENING_POSTGIS_QPS", &cfg.PostGISQPS),
	)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the settings each layer source needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.LayerSource {
	case LayerSourceS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: SCREENING_S3_BUCKET is required for the s3 layer source", ErrInvalidConfig)
		}
	case LayerSourceGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("%w: SCREENING_GCS_BUCKET is required for the gcs layer source", ErrInvalidConfig)
		}
	case LayerSourcePostGIS:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: SCREENING_DATABASE_URL is required for the postgis layer source", ErrInvalidConfig)
		}
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.LayerDir == "" {
		c.LayerDir = filepath.Join(c.DataDir, "layers")
	}
}

// LiteMode reports whether runs are stored in a local SQLite file.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SQLitePath is the run database used in lite mode.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "screening.db")
}

// TelemetryEnabled reports whether an OTLP endpoint is configured.
func (c *Config) TelemetryEnabled() bool {
	return c.OTLPEndpoint != ""
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}
