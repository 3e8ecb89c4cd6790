package layers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"

	"github.com/Ignacio1972/mineria-sub003/pkg/geo"
)

type layerVersion struct {
	meta     ReferenceLayer
	features []Feature
	bounds   []orb.Bound
}

type snapshot struct {
	current  map[string]*layerVersion
	versions map[string]map[string]*layerVersion
}

// MemoryStore keeps every published layer version in memory. Reads are
// lock-free against an immutable snapshot; Publish swaps in a new snapshot.
type MemoryStore struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.snap.Store(&snapshot{
		current:  map[string]*layerVersion{},
		versions: map[string]map[string]*layerVersion{},
	})
	return s
}

// Publish adds a new version of a layer and makes it current. Versions must
// arrive in ascending semver order: republishing fails with ErrVersionExists
// and an older version fails with ErrVersionOrder.
func (s *MemoryStore) Publish(layer ReferenceLayer, features []Feature) error {
	if layer.Name == "" || layer.Version == "" {
		return fmt.Errorf("layers: publish requires name and version")
	}

	lv := &layerVersion{
		meta:     layer,
		features: make([]Feature, len(features)),
		bounds:   make([]orb.Bound, len(features)),
	}
	copy(lv.features, features)
	for i, f := range lv.features {
		if f.Geometry == nil {
			return fmt.Errorf("layers: feature %q of %s has no geometry", f.ID, layer.Name)
		}
		lv.bounds[i] = f.Geometry.Bound()
	}
	lv.meta.FeatureCount = len(features)

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	if _, ok := old.versions[layer.Name][layer.Version]; ok {
		return fmt.Errorf("%w: %s@%s", ErrVersionExists, layer.Name, layer.Version)
	}
	var current string
	if cur, ok := old.current[layer.Name]; ok {
		current = cur.meta.Version
	}
	if err := checkSuccessor(layer.Name, current, layer.Version); err != nil {
		return err
	}

	next := &snapshot{
		current:  make(map[string]*layerVersion, len(old.current)+1),
		versions: make(map[string]map[string]*layerVersion, len(old.versions)+1),
	}
	for k, v := range old.current {
		next.current[k] = v
	}
	for k, v := range old.versions {
		next.versions[k] = v
	}
	byVersion := make(map[string]*layerVersion, len(old.versions[layer.Name])+1)
	for k, v := range old.versions[layer.Name] {
		byVersion[k] = v
	}
	byVersion[layer.Version] = lv
	next.versions[layer.Name] = byVersion
	next.current[layer.Name] = lv

	s.snap.Store(next)
	return nil
}

// GetLayer returns the current version of a layer.
func (s *MemoryStore) GetLayer(ctx context.Context, name string) (ReferenceLayer, error) {
	if err := ctx.Err(); err != nil {
		return ReferenceLayer{}, contextError(err)
	}
	lv, ok := s.snap.Load().current[name]
	if !ok {
		return ReferenceLayer{}, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	return lv.meta, nil
}

// Layers returns the current version of every layer, sorted by name.
func (s *MemoryStore) Layers() []ReferenceLayer {
	snap := s.snap.Load()
	out := make([]ReferenceLayer, 0, len(snap.current))
	for _, lv := range snap.current {
		out = append(out, lv.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueryNear answers against the exact version named by layer, so a run that
// resolved a version keeps reading it even if a newer one is published.
func (s *MemoryStore) QueryNear(ctx context.Context, layer ReferenceLayer, g orb.Geometry, radiusKm float64) ([]Hit, error) {
	lv, ok := s.snap.Load().versions[layer.Name][layer.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrLayerNotFound, layer.Name, layer.Version)
	}

	search := geo.PadBound(g.Bound(), radiusKm)
	var hits []Hit
	for i, f := range lv.features {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, contextError(err)
			}
		}
		if !search.Intersects(lv.bounds[i]) {
			continue
		}
		intersects, km := geo.Relate(g, f.Geometry)
		if !intersects && km > radiusKm {
			continue
		}
		hits = append(hits, Hit{FeatureID: f.ID, Intersects: intersects, DistanceKm: km})
	}

	SortHits(hits)
	return hits, nil
}

// SortHits orders hits by distance, then feature id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].FeatureID < hits[j].FeatureID
	})
}
