package ruleset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

func TestDefault(t *testing.T) {
	rs := Default()

	assert.Equal(t, "1.0.0", rs.Version)
	assert.Equal(t, 0.5, rs.EIAThreshold)
	assert.Len(t, rs.Literals, 6)
	assert.True(t, strings.HasPrefix(rs.Hash(), "sha256:"))

	assert.Equal(t, 20.0, rs.SearchRadiusKm("glaciers"))
	assert.Equal(t, 30.0, rs.SearchRadiusKm("indigenous_lands"))
	assert.Equal(t, 50.0, rs.SearchRadiusKm("protected_areas"))

	assert.Equal(t, []contracts.Literal{contracts.LiteralD, contracts.LiteralF}, rs.DependsOn("protected_areas"))
	assert.Equal(t, []contracts.Literal{contracts.LiteralC}, rs.DependsOn("indigenous_lands"))
}

func TestHashIsStable(t *testing.T) {
	assert.Equal(t, Default().Hash(), Default().Hash())

	changed := Default()
	changed.EIAThreshold = 0.6
	require.NoError(t, changed.Validate())
	assert.NotEqual(t, Default().Hash(), changed.Hash())
}

func TestLayerRule_StateFor(t *testing.T) {
	glacier := LayerRule{Layer: "glaciers", ConfirmOnIntersect: true, ConfirmedWithinKm: 5, PossibleWithinKm: 20}
	protected := LayerRule{Layer: "protected_areas", ConfirmOnIntersect: true, PossibleWithinKm: 10, PossibleExclusive: true}
	population := LayerRule{Layer: "population_centers", PossibleWithinKm: 2}

	tests := []struct {
		name    string
		rule    LayerRule
		finding contracts.SpatialFinding
		want    contracts.EvidenceState
	}{
		{"glacier intersect", glacier, contracts.SpatialFinding{Intersects: true}, contracts.StateConfirmed},
		{"glacier 5km", glacier, contracts.SpatialFinding{DistanceKm: contracts.Km(5)}, contracts.StateConfirmed},
		{"glacier 12km", glacier, contracts.SpatialFinding{DistanceKm: contracts.Km(12)}, contracts.StatePossible},
		{"glacier 20km", glacier, contracts.SpatialFinding{DistanceKm: contracts.Km(20)}, contracts.StatePossible},
		{"glacier 21km", glacier, contracts.SpatialFinding{DistanceKm: contracts.Km(21)}, contracts.StateNotApplicable},
		{"glacier none", glacier, contracts.SpatialFinding{}, contracts.StateNotApplicable},
		{"protected 8km", protected, contracts.SpatialFinding{DistanceKm: contracts.Km(8)}, contracts.StatePossible},
		{"protected 9.99km", protected, contracts.SpatialFinding{DistanceKm: contracts.Km(9.99)}, contracts.StatePossible},
		{"protected exactly 10km", protected, contracts.SpatialFinding{DistanceKm: contracts.Km(10)}, contracts.StateNotApplicable},
		{"protected 0.5km", protected, contracts.SpatialFinding{DistanceKm: contracts.Km(0.5)}, contracts.StatePossible},
		{"population intersect", population, contracts.SpatialFinding{Intersects: true}, contracts.StatePossible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.StateFor(tt.finding))
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	base := string(defaultRuleSetYAML)

	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "version: [1"},
		{"bad semver", strings.Replace(base, "version: 1.0.0", "version: one", 1)},
		{"missing literal", strings.Replace(base, "\n  f:\n", "\n  g:\n", 1)},
		{"medium above high", strings.Replace(base, "medium_from: 0.5", "medium_from: 0.9", 1)},
		{"threshold beyond search radius", strings.Replace(base, "possible_within_km: 20", "possible_within_km: 25", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidRuleSet)
		})
	}
}

func TestRegistry(t *testing.T) {
	v1 := Default()
	v2, err := Parse([]byte(strings.Replace(string(defaultRuleSetYAML), "version: 1.0.0", "version: 1.10.0", 1)))
	require.NoError(t, err)
	v3, err := Parse([]byte(strings.Replace(string(defaultRuleSetYAML), "version: 1.0.0", "version: 1.9.0", 1)))
	require.NoError(t, err)

	reg, err := NewRegistry(v1, v2, v3)
	require.NoError(t, err)

	assert.Equal(t, "1.10.0", reg.Latest().Version, "semver ordering, not lexical")
	assert.Equal(t, []string{"1.0.0", "1.9.0", "1.10.0"}, reg.Versions())

	got, err := reg.Get("1.9.0")
	require.NoError(t, err)
	assert.Same(t, v3, got)

	_, err = reg.Get("2.0.0")
	assert.ErrorIs(t, err, ErrUnknownVersion)

	clash := Default()
	clash.EIAThreshold = 0.7
	require.NoError(t, clash.Validate())
	assert.ErrorIs(t, reg.Add(clash), ErrInvalidRuleSet)
}
