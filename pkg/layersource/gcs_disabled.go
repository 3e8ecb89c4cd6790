//go:build !gcp

package layersource

import (
	"context"
	"fmt"
)

func newGCSSource(ctx context.Context, cfg Config) (Source, error) {
	return nil, fmt.Errorf("layersource: GCS is not enabled in this build (use -tags gcp)")
}
