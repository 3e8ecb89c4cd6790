//go:build gcp

package layersource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSource reads layer snapshots from a Google Cloud Storage bucket.
type GCSSource struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSource creates a client with application default credentials.
func NewGCSSource(ctx context.Context, bucket, prefix string) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("layersource: create GCS client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSSource(ctx context.Context, cfg Config) (Source, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("layersource: GCS bucket is required")
	}
	return NewGCSSource(ctx, cfg.GCSBucket, cfg.GCSPrefix)
}

// Fetch downloads the object stored under prefix+key.
func (s *GCSSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s%s", ErrObjectNotFound, s.bucket, s.prefix, key)
		}
		return nil, fmt.Errorf("layersource: gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Close closes the GCS client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}
