// Package contracts holds the records exchanged between the screening
// components: the project snapshot under analysis, per-layer spatial
// findings, per-literal trigger evidence, the classification result and the
// audit record. Records are values; a run never mutates one after building it.
package contracts

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Project is the snapshot a run classifies.
type Project struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"` // sector key, e.g. "mining", "energy"
	Geometry   ProjectGeometry `json:"geometry"`
	Attributes Attributes      `json:"attributes,omitempty"`
}

// ProjectGeometry is a WGS84 Polygon or MultiPolygon. A new geometry version
// starts a new run; stored runs keep the geometry they were computed with.
type ProjectGeometry struct {
	Version  string       `json:"version"`
	Geometry orb.Geometry `json:"-"`
}

type projectGeometryJSON struct {
	Version  string            `json:"version"`
	Geometry *geojson.Geometry `json:"geometry"`
}

// MarshalJSON encodes the geometry as GeoJSON next to its version.
func (g ProjectGeometry) MarshalJSON() ([]byte, error) {
	out := projectGeometryJSON{Version: g.Version}
	if g.Geometry != nil {
		out.Geometry = geojson.NewGeometry(g.Geometry)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a GeoJSON geometry object.
func (g *ProjectGeometry) UnmarshalJSON(data []byte) error {
	var in projectGeometryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("contracts: decode project geometry: %w", err)
	}
	g.Version = in.Version
	g.Geometry = nil
	if in.Geometry != nil {
		g.Geometry = in.Geometry.Geometry()
	}
	return nil
}

// Attributes are the declared project attributes the engine reads.
// Values are booleans, numbers or strings.
type Attributes map[string]any

// Bool returns a declared boolean flag and whether it was declared.
func (a Attributes) Bool(key string) (value bool, declared bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Number returns a declared numeric attribute and whether it was declared.
func (a Attributes) Number(key string) (float64, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Keys returns the declared attribute names in lexical order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy so callers cannot mutate a run's snapshot.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
