//go:build property
// +build property

package trigger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/ruleset"
)

// TestTighterRadiusNeverRaisesState checks that shrinking the glacier
// confirmation radius, at a fixed distance, never produces a stronger state.
func TestTighterRadiusNeverRaisesState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("confirmed radius tightening is monotone", prop.ForAll(
		func(distance, loose, shrink float64) bool {
			tight := loose * shrink

			wide := ruleset.Default()
			narrow := ruleset.Default()
			setGlacierConfirmRadius(wide, loose)
			setGlacierConfirmRadius(narrow, tight)

			findings := []contracts.SpatialFinding{{LayerName: "glaciers", DistanceKm: contracts.Km(distance)}}
			a := NewEvaluator(wide).Evaluate(findings, nil)[1]
			b := NewEvaluator(narrow).Evaluate(findings, nil)[1]
			return b.State.Rank() <= a.State.Rank()
		},
		gen.Float64Range(0, 20),
		gen.Float64Range(0, 20),
		gen.Float64Range(0, 1),
	))

	properties.Property("possible radius tightening is monotone", prop.ForAll(
		func(distance, loose, shrink float64) bool {
			wide := ruleset.Default()
			narrow := ruleset.Default()
			setProtectedPossibleRadius(wide, loose)
			setProtectedPossibleRadius(narrow, loose*shrink)

			findings := []contracts.SpatialFinding{{LayerName: "protected_areas", DistanceKm: contracts.Km(distance)}}
			a := NewEvaluator(wide).Evaluate(findings, nil)[3]
			b := NewEvaluator(narrow).Evaluate(findings, nil)[3]
			return b.State.Rank() <= a.State.Rank()
		},
		gen.Float64Range(0, 50),
		gen.Float64Range(0, 50),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func setGlacierConfirmRadius(rs *ruleset.RuleSet, km float64) {
	rule := rs.Literals[contracts.LiteralB]
	layers := append([]ruleset.LayerRule(nil), rule.Layers...)
	layers[0].ConfirmedWithinKm = km
	rule.Layers = layers
	rs.Literals[contracts.LiteralB] = rule
}

func setProtectedPossibleRadius(rs *ruleset.RuleSet, km float64) {
	rule := rs.Literals[contracts.LiteralD]
	layers := append([]ruleset.LayerRule(nil), rule.Layers...)
	layers[0].PossibleWithinKm = km
	rule.Layers = layers
	rs.Literals[contracts.LiteralD] = rule
}
