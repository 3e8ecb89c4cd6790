// Package layersource fetches published reference layer snapshots (a YAML
// catalog plus GeoJSON FeatureCollections) from a filesystem directory, an S3
// bucket, or a GCS bucket.
package layersource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound is returned when a key does not exist in the source.
var ErrObjectNotFound = errors.New("layersource: object not found")

// Source is read-only access to layer snapshot objects by key.
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Type selects a Source backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// Config holds the settings for every backend; only the selected one is read.
type Config struct {
	Type Type

	Dir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string // optional, for MinIO/LocalStack
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// New builds the Source selected by cfg.Type.
func New(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Type {
	case "", TypeFS:
		return NewFileSource(cfg.Dir)
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("layersource: S3 bucket is required")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Source(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case TypeGCS:
		return newGCSSource(ctx, cfg)
	default:
		return nil, fmt.Errorf("layersource: unsupported source type %q", cfg.Type)
	}
}

// FileSource reads objects below a base directory.
type FileSource struct {
	baseDir string
}

// NewFileSource creates a FileSource; the directory must exist.
func NewFileSource(baseDir string) (*FileSource, error) {
	if baseDir == "" {
		baseDir = "layers"
	}
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("layersource: layer directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("layersource: %s is not a directory", baseDir)
	}
	return &FileSource{baseDir: baseDir}, nil
}

// Fetch reads the object at key, which must stay inside the base directory.
func (s *FileSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("layersource: key %q escapes the layer directory", key)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("layersource: read %s: %w", key, err)
	}
	return data, nil
}
