package contracts

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectGeometry_JSONCarriesGeoJSON(t *testing.T) {
	g := ProjectGeometry{
		Version: "v3",
		Geometry: orb.Polygon{{
			{-70.1, -33.1}, {-70.0, -33.1}, {-70.0, -33.0}, {-70.1, -33.0}, {-70.1, -33.1},
		}},
	}

	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"Polygon"`)

	var back ProjectGeometry
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "v3", back.Version)
	poly, ok := back.Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.Len(t, poly[0], 5)
}

func TestAttributes_TypedAccess(t *testing.T) {
	attrs := Attributes{
		"affects_heritage": true,
		"extraction_tpd":   json.Number("5200.5"),
		"water_use_lps":    120,
		"label":            "x",
	}

	v, declared := attrs.Bool("affects_heritage")
	assert.True(t, declared)
	assert.True(t, v)

	_, declared = attrs.Bool("health_risk")
	assert.False(t, declared)

	_, declared = attrs.Bool("label")
	assert.False(t, declared, "non-bool values are not flags")

	n, ok := attrs.Number("extraction_tpd")
	assert.True(t, ok)
	assert.InDelta(t, 5200.5, n, 1e-9)

	n, ok = attrs.Number("water_use_lps")
	assert.True(t, ok)
	assert.Equal(t, 120.0, n)

	assert.Equal(t, []string{"affects_heritage", "extraction_tpd", "label", "water_use_lps"}, attrs.Keys())
}

func TestEvidenceState_Ordering(t *testing.T) {
	assert.Equal(t, StateConfirmed, MaxState(StatePossible, StateConfirmed))
	assert.Equal(t, StatePossible, MinState(StateConfirmed, StatePossible))
	assert.Equal(t, StateNotApplicable, MinState(StateNotApplicable, StateConfirmed))
	assert.Less(t, StateNotApplicable.Rank(), StatePossible.Rank())

	_, err := ParseEvidenceState("maybe")
	assert.Error(t, err)
}

func TestSpatialFinding_Within(t *testing.T) {
	assert.True(t, SpatialFinding{Intersects: true}.Within(0))
	assert.True(t, SpatialFinding{DistanceKm: Km(4.9)}.Within(5))
	assert.False(t, SpatialFinding{DistanceKm: Km(5.1)}.Within(5))
	assert.False(t, SpatialFinding{}.Within(50))
	assert.False(t, SpatialFinding{Error: true, Intersects: true}.Within(5))
}
