// Package geo implements the geometric predicates the spatial analyzer needs
// on WGS84 coordinates: project geometry validation, intersection, and
// nearest distance in kilometres between a project polygon and a reference
// feature of any GeoJSON geometry type.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrInvalidGeometry rejects a project geometry before spatial analysis begins.
var ErrInvalidGeometry = errors.New("geo: invalid geometry")

// ValidateProjectGeometry accepts a non-empty Polygon or MultiPolygon whose
// rings are closed, have at least four positions, lie inside WGS84 bounds,
// do not cross themselves and enclose a non-zero area.
func ValidateProjectGeometry(g orb.Geometry) error {
	switch t := g.(type) {
	case nil:
		return fmt.Errorf("%w: geometry is empty", ErrInvalidGeometry)
	case orb.Polygon:
		return validatePolygon(t, 0)
	case orb.MultiPolygon:
		if len(t) == 0 {
			return fmt.Errorf("%w: multipolygon has no polygons", ErrInvalidGeometry)
		}
		for i, p := range t {
			if err := validatePolygon(p, i); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is not a polygon or multipolygon", ErrInvalidGeometry, g.GeoJSONType())
	}
}

func validatePolygon(p orb.Polygon, idx int) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: polygon %d has no rings", ErrInvalidGeometry, idx)
	}
	for r, ring := range p {
		if len(ring) < 4 {
			return fmt.Errorf("%w: polygon %d ring %d has %d positions, need at least 4", ErrInvalidGeometry, idx, r, len(ring))
		}
		if !ring.Closed() {
			return fmt.Errorf("%w: polygon %d ring %d is not closed", ErrInvalidGeometry, idx, r)
		}
		for _, pt := range ring {
			if !validPosition(pt) {
				return fmt.Errorf("%w: polygon %d ring %d has position %v outside WGS84 bounds", ErrInvalidGeometry, idx, r, pt)
			}
		}
		if i, j, ok := selfIntersection(ring); ok {
			return fmt.Errorf("%w: polygon %d ring %d edges %d and %d cross", ErrInvalidGeometry, idx, r, i, j)
		}
	}
	if planar.Area(p[0]) == 0 {
		return fmt.Errorf("%w: polygon %d outer ring has zero area", ErrInvalidGeometry, idx)
	}
	return nil
}

// selfIntersection returns the first pair of non-adjacent edges of a closed
// ring that touch. Repeated consecutive positions are ignored.
func selfIntersection(ring orb.Ring) (int, int, bool) {
	pts := make([]orb.Point, 0, len(ring))
	for _, p := range ring {
		if len(pts) == 0 || pts[len(pts)-1] != p {
			pts = append(pts, p)
		}
	}
	n := len(pts) - 1
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			if segmentsIntersect(pts[i], pts[i+1], pts[j], pts[j+1]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func validPosition(p orb.Point) bool {
	lon, lat := p[0], p[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// WithinWGS84 reports whether b lies inside longitude/latitude bounds.
func WithinWGS84(b orb.Bound) bool {
	return validPosition(b.Min) && validPosition(b.Max)
}
