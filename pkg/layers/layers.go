// Package layers provides versioned, read-only access to the authoritative
// geographic reference layers (protected areas, glaciers, indigenous lands,
// and so on) and the proximity queries the spatial analyzer runs against them.
//
// A layer version, once published, never changes. Publishing a new version is
// atomic: a reader sees either the old version or the new one in full.
package layers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/paulmach/orb"
)

var (
	ErrLayerNotFound    = errors.New("layers: layer not found")
	ErrLayerUnavailable = errors.New("layers: layer unavailable")
	ErrLayerTimeout     = errors.New("layers: layer query timed out")
	ErrVersionExists    = errors.New("layers: layer version already published")
	ErrVersionOrder     = errors.New("layers: layer version is older than the current one")
)

// Standard layer names.
const (
	ProtectedAreas     = "protected_areas"
	Glaciers           = "glaciers"
	IndigenousLands    = "indigenous_lands"
	WaterBodies        = "water_bodies"
	ArchaeologicalSite = "archaeological_sites"
	PopulationCenters  = "population_centers"
)

// StandardLayers lists every layer the spatial analyzer consults, in query order.
var StandardLayers = []string{
	ProtectedAreas,
	Glaciers,
	IndigenousLands,
	WaterBodies,
	ArchaeologicalSite,
	PopulationCenters,
}

// ReferenceLayer describes one published version of a layer.
type ReferenceLayer struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	EffectiveDate time.Time `json:"effective_date"`
	FeatureCount  int       `json:"feature_count"`
}

// Feature is a single geometry inside a layer.
type Feature struct {
	ID         string         `json:"id"`
	Geometry   orb.Geometry   `json:"-"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Hit is a feature returned by a proximity query.
type Hit struct {
	FeatureID  string  `json:"feature_id"`
	Intersects bool    `json:"intersects"`
	DistanceKm float64 `json:"distance_km"`
}

// Store is the read side of the layer catalog.
type Store interface {
	// GetLayer returns the current version of the named layer.
	GetLayer(ctx context.Context, name string) (ReferenceLayer, error)
	// QueryNear returns the features of layer within radiusKm of g, ordered
	// by ascending distance. Intersecting features have distance 0.
	QueryNear(ctx context.Context, layer ReferenceLayer, g orb.Geometry, radiusKm float64) ([]Hit, error)
}

// contextError maps a context failure onto the layer error taxonomy. A
// deadline becomes ErrLayerTimeout; cancellation is returned unchanged so the
// caller can abort instead of degrading.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrLayerTimeout, err)
	}
	return err
}

// checkSuccessor rejects a version that is not a valid semver or does not
// sort above current. An empty current accepts any valid version.
func checkSuccessor(name, current, next string) error {
	nv, err := semver.NewVersion(next)
	if err != nil {
		return fmt.Errorf("layers: %s: invalid version %q: %w", name, next, err)
	}
	if current == "" {
		return nil
	}
	cv, err := semver.NewVersion(current)
	if err != nil {
		return fmt.Errorf("layers: %s: invalid current version %q: %w", name, current, err)
	}
	switch {
	case nv.Equal(cv):
		return fmt.Errorf("%w: %s@%s", ErrVersionExists, name, next)
	case nv.LessThan(cv):
		return fmt.Errorf("%w: %s@%s is below %s", ErrVersionOrder, name, next, current)
	}
	return nil
}
