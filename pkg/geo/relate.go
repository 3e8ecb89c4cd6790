package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Kilometres per degree of latitude, and of longitude at the equator.
const (
	kmPerDegLat = 110.574
	kmPerDegLon = 111.320
)

// shape is a geometry flattened into the parts the predicates work on.
type shape struct {
	points   []orb.Point
	segments [][2]orb.Point
	polygons []orb.Polygon
}

func flatten(g orb.Geometry) shape {
	var s shape
	s.add(g)
	// Pure point sets are compared as degenerate segments.
	if len(s.segments) == 0 {
		for _, p := range s.points {
			s.segments = append(s.segments, [2]orb.Point{p, p})
		}
	}
	return s
}

func (s *shape) add(g orb.Geometry) {
	switch t := g.(type) {
	case orb.Point:
		s.points = append(s.points, t)
	case orb.MultiPoint:
		s.points = append(s.points, t...)
	case orb.LineString:
		s.addPath(t)
	case orb.MultiLineString:
		for _, ls := range t {
			s.addPath(ls)
		}
	case orb.Ring:
		s.addPolygon(orb.Polygon{t})
	case orb.Polygon:
		s.addPolygon(t)
	case orb.MultiPolygon:
		for _, p := range t {
			s.addPolygon(p)
		}
	case orb.Collection:
		for _, c := range t {
			s.add(c)
		}
	case orb.Bound:
		s.addPolygon(t.ToPolygon())
	}
}

func (s *shape) addPath(path []orb.Point) {
	s.points = append(s.points, path...)
	for i := 1; i < len(path); i++ {
		s.segments = append(s.segments, [2]orb.Point{path[i-1], path[i]})
	}
}

func (s *shape) addPolygon(p orb.Polygon) {
	if len(p) == 0 {
		return
	}
	s.polygons = append(s.polygons, p)
	for _, ring := range p {
		s.addPath(ring)
	}
}

func (s shape) contains(pt orb.Point) bool {
	for _, p := range s.polygons {
		if planar.PolygonContains(p, pt) {
			return true
		}
	}
	return false
}

// Intersects reports whether two geometries share at least one point.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	return intersects(flatten(a), flatten(b))
}

func intersects(sa, sb shape) bool {
	for _, p := range sa.points {
		if sb.contains(p) {
			return true
		}
	}
	for _, p := range sb.points {
		if sa.contains(p) {
			return true
		}
	}
	for _, s1 := range sa.segments {
		for _, s2 := range sb.segments {
			if segmentsIntersect(s1[0], s1[1], s2[0], s2[1]) {
				return true
			}
		}
	}
	return false
}

// DistanceKm returns the shortest distance in kilometres between two
// geometries, zero when they intersect. The nearest point on each edge is
// located in an equirectangular frame centred on the vertex being measured,
// and the reported distance is the haversine distance to that point.
func DistanceKm(a, b orb.Geometry) float64 {
	_, d := Relate(a, b)
	return d
}

// Relate computes intersection and distance in one pass.
func Relate(a, b orb.Geometry) (bool, float64) {
	if a == nil || b == nil {
		return false, math.Inf(1)
	}
	sa, sb := flatten(a), flatten(b)
	if a.Bound().Intersects(b.Bound()) && intersects(sa, sb) {
		return true, 0
	}

	if isPointSet(sa) && isPointSet(sb) {
		best := math.Inf(1)
		for _, p := range sa.points {
			for _, q := range sb.points {
				best = math.Min(best, geo.DistanceHaversine(p, q)/1000)
			}
		}
		return false, best
	}

	best := math.Inf(1)
	for _, p := range sa.points {
		for _, seg := range sb.segments {
			best = math.Min(best, segmentDistanceKm(p, seg[0], seg[1]))
		}
	}
	for _, p := range sb.points {
		for _, seg := range sa.segments {
			best = math.Min(best, segmentDistanceKm(p, seg[0], seg[1]))
		}
	}
	return false, best
}

// segmentDistanceKm is the great-circle distance from p to the nearest point
// of segment ab.
func segmentDistanceKm(p, a, b orb.Point) float64 {
	proj := localFrame(p)
	pa, pb := proj(a), proj(b)
	dx, dy := pb[0]-pa[0], pb[1]-pa[1]

	var t float64
	if l2 := dx*dx + dy*dy; l2 > 0 {
		t = math.Max(0, math.Min(1, -(pa[0]*dx+pa[1]*dy)/l2))
	}
	nearest := orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
	return geo.DistanceHaversine(p, nearest) / 1000
}

// PadBound grows a bound by km in every direction, for index prefiltering.
func PadBound(b orb.Bound, km float64) orb.Bound {
	return geo.BoundPad(b, km*1000)
}

func isPointSet(s shape) bool {
	return len(s.polygons) == 0 && len(s.segments) == len(s.points) && allDegenerate(s.segments)
}

func allDegenerate(segs [][2]orb.Point) bool {
	for _, s := range segs {
		if s[0] != s[1] {
			return false
		}
	}
	return true
}

// localFrame maps lon/lat to kilometres around an origin.
func localFrame(origin orb.Point) func(orb.Point) orb.Point {
	kx := kmPerDegLon * math.Cos(origin[1]*math.Pi/180)
	return func(p orb.Point) orb.Point {
		return orb.Point{(p[0] - origin[0]) * kx, (p[1] - origin[1]) * kmPerDegLat}
	}
}

func orientation(p, q, r orb.Point) int {
	v := (q[1]-p[1])*(r[0]-q[0]) - (q[0]-p[0])*(r[1]-q[1])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return 2
	}
	return 0
}

func onSegment(p, q, r orb.Point) bool {
	return q[0] <= math.Max(p[0], r[0]) && q[0] >= math.Min(p[0], r[0]) &&
		q[1] <= math.Max(p[1], r[1]) && q[1] >= math.Min(p[1], r[1])
}

func segmentsIntersect(p1, q1, p2, q2 orb.Point) bool {
	o1 := orientation(p1, q1, p2)
	o2 := orientation(p1, q1, q2)
	o3 := orientation(p2, q2, p1)
	o4 := orientation(p2, q2, q1)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if o2 == 0 && onSegment(p1, q2, q1) {
		return true
	}
	if o3 == 0 && onSegment(p2, p1, q2) {
		return true
	}
	if o4 == 0 && onSegment(p2, q1, q2) {
		return true
	}
	return false
}
