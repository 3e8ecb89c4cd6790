package layers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/paulmach/orb/geojson"
	"gopkg.in/yaml.v3"

	"github.com/Ignacio1972/mineria-sub003/pkg/geo"
	"github.com/Ignacio1972/mineria-sub003/pkg/layersource"
)

// CatalogFile is the key of the catalog inside a layer source.
const CatalogFile = "catalog.yaml"

// Catalog lists the published layer snapshots available in a source.
//
//	layers:
//	  - name: glaciers
//	    version: 2.1.0
//	    effective_date: "2024-03-01"
//	    object: glaciers/2.1.0.geojson
type Catalog struct {
	Layers []CatalogEntry `yaml:"layers"`
}

// CatalogEntry points at one GeoJSON FeatureCollection.
type CatalogEntry struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	EffectiveDate string `yaml:"effective_date"`
	Object        string `yaml:"object"`
}

// Publisher receives decoded layer versions.
type Publisher interface {
	Publish(layer ReferenceLayer, features []Feature) error
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("layers: parse catalog: %w", err)
	}
	for i, e := range c.Layers {
		if e.Name == "" || e.Object == "" {
			return nil, fmt.Errorf("layers: catalog entry %d: name and object are required", i)
		}
		if _, err := semver.NewVersion(e.Version); err != nil {
			return nil, fmt.Errorf("layers: catalog entry %s: invalid version %q: %w", e.Name, e.Version, err)
		}
		if _, err := time.Parse(time.DateOnly, e.EffectiveDate); err != nil {
			return nil, fmt.Errorf("layers: catalog entry %s@%s: invalid effective_date: %w", e.Name, e.Version, err)
		}
	}
	return &c, nil
}

// LoadCatalog fetches the catalog and every snapshot it lists from src and
// publishes them into dst. Versions of a layer are published in ascending
// semver order, so the highest version ends up current.
func LoadCatalog(ctx context.Context, src layersource.Source, dst Publisher) ([]ReferenceLayer, error) {
	raw, err := src.Fetch(ctx, CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("layers: fetch catalog: %w", err)
	}
	cat, err := ParseCatalog(raw)
	if err != nil {
		return nil, err
	}

	entries := append([]CatalogEntry(nil), cat.Layers...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return semver.MustParse(entries[i].Version).LessThan(semver.MustParse(entries[j].Version))
	})

	published := make([]ReferenceLayer, 0, len(entries))
	for _, e := range entries {
		data, err := src.Fetch(ctx, e.Object)
		if err != nil {
			return published, fmt.Errorf("layers: fetch %s@%s: %w", e.Name, e.Version, err)
		}
		features, err := DecodeFeatures(e.Name, data)
		if err != nil {
			return published, err
		}

		eff, _ := time.Parse(time.DateOnly, e.EffectiveDate)
		layer := ReferenceLayer{Name: e.Name, Version: e.Version, EffectiveDate: eff}
		if err := dst.Publish(layer, features); err != nil {
			return published, err
		}
		layer.FeatureCount = len(features)
		published = append(published, layer)
		slog.Default().InfoContext(ctx, "layer loaded", "layer", e.Name, "version", e.Version, "features", len(features))
	}
	return published, nil
}

// DecodeFeatures parses a GeoJSON FeatureCollection into layer features.
// Features without an id get "<layer>#<index>".
func DecodeFeatures(layer string, data []byte) ([]Feature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("layers: decode %s features: %w", layer, err)
	}

	out := make([]Feature, 0, len(fc.Features))
	seen := make(map[string]struct{}, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("layers: %s feature %d has no geometry", layer, i)
		}
		if b := f.Geometry.Bound(); !geo.WithinWGS84(b) {
			return nil, fmt.Errorf("layers: %s feature %d lies outside WGS84 bounds", layer, i)
		}
		id := featureID(f, layer, i)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("layers: %s has duplicate feature id %q", layer, id)
		}
		seen[id] = struct{}{}
		out = append(out, Feature{ID: id, Geometry: f.Geometry, Properties: map[string]any(f.Properties)})
	}
	return out, nil
}

func featureID(f *geojson.Feature, layer string, idx int) string {
	if f.ID != nil {
		if s := strings.TrimSpace(fmt.Sprint(f.ID)); s != "" {
			return s
		}
	}
	if v, ok := f.Properties["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%s#%d", layer, idx)
}
