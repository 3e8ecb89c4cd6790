// Package trigger maps spatial findings and declared attributes onto the six
// statutory literals. Evaluation is a fold over the rule table: every literal
// gets exactly one evidence record per run, recomputed from scratch.
package trigger

import (
	"fmt"
	"strings"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/ruleset"
)

// Evaluator applies one rule table.
type Evaluator struct {
	rules *ruleset.RuleSet
}

// NewEvaluator creates an Evaluator for rs.
func NewEvaluator(rs *ruleset.RuleSet) *Evaluator {
	return &Evaluator{rules: rs}
}

// Evaluate returns evidence for literals a through f, in that order.
func (e *Evaluator) Evaluate(findings []contracts.SpatialFinding, attrs contracts.Attributes) []contracts.TriggerEvidence {
	byLayer := make(map[string]contracts.SpatialFinding, len(findings))
	for _, f := range findings {
		byLayer[f.LayerName] = f
	}

	out := make([]contracts.TriggerEvidence, 0, len(contracts.Literals))
	for _, l := range contracts.Literals {
		out = append(out, evaluateLiteral(l, e.rules.Rule(l), byLayer, attrs))
	}
	return out
}

// literalFold accumulates what the layer rules of one literal say.
type literalFold struct {
	state      contracts.EvidenceState
	notes      []string
	supporting []string
	degraded   []string
}

func (acc *literalFold) add(lr ruleset.LayerRule, f contracts.SpatialFinding, ok bool) {
	switch {
	case !ok:
		acc.notes = append(acc.notes, fmt.Sprintf("%s not analysed", lr.Layer))
	case f.Error:
		acc.state = contracts.MaxState(acc.state, contracts.StatePossible)
		acc.degraded = append(acc.degraded, lr.Layer)
		acc.supporting = appendOnce(acc.supporting, lr.Layer)
		acc.notes = append(acc.notes, fmt.Sprintf("%s could not be queried (%s), cannot be ruled out", lr.Layer, f.ErrorDetail))
	default:
		st := lr.StateFor(f)
		acc.state = contracts.MaxState(acc.state, st)
		if st != contracts.StateNotApplicable {
			acc.supporting = appendOnce(acc.supporting, lr.Layer)
		}
		acc.notes = append(acc.notes, fmt.Sprintf("%s %s -> %s", lr.Layer, describe(f), st))
	}
}

func evaluateLiteral(l contracts.Literal, rule ruleset.LiteralRule, byLayer map[string]contracts.SpatialFinding, attrs contracts.Attributes) contracts.TriggerEvidence {
	acc := literalFold{state: contracts.StateNotApplicable}
	for _, lr := range rule.Layers {
		f, ok := byLayer[lr.Layer]
		acc.add(lr, f, ok)
	}

	spatial := acc.state
	if rule.SpatialMax != "" && spatial.Rank() > rule.SpatialMax.Rank() {
		spatial = rule.SpatialMax
		acc.notes = append(acc.notes, fmt.Sprintf("proximity alone establishes at most %s", rule.SpatialMax))
	}

	state := spatial
	if rule.Attribute != "" {
		if v, declared := attrs.Bool(rule.Attribute); declared {
			state = contracts.StateNotApplicable
			if v {
				state = contracts.StateConfirmed
			}
			acc.notes = append(acc.notes, fmt.Sprintf("declared %s=%t takes precedence over spatial inference (%s)", rule.Attribute, v, spatial))
		} else {
			acc.notes = append(acc.notes, fmt.Sprintf("%s not declared", rule.Attribute))
		}
	}

	if len(acc.degraded) > 0 && state.Rank() > contracts.StatePossible.Rank() {
		state = contracts.StatePossible
		acc.notes = append(acc.notes, fmt.Sprintf("capped at possible: degraded input from %s", strings.Join(acc.degraded, ", ")))
	}

	if acc.supporting == nil {
		acc.supporting = []string{}
	}
	return contracts.TriggerEvidence{
		Literal:            l,
		State:              state,
		Rationale:          strings.Join(acc.notes, "; "),
		SupportingFindings: acc.supporting,
		Degraded:           len(acc.degraded) > 0,
	}
}

func describe(f contracts.SpatialFinding) string {
	switch {
	case f.Intersects:
		return fmt.Sprintf("intersects %s", strings.Join(f.MatchedFeatureIDs, ","))
	case f.DistanceKm != nil:
		return fmt.Sprintf("nearest feature at %.2f km", *f.DistanceKm)
	default:
		return fmt.Sprintf("no feature within %.0f km", f.SearchRadiusKm)
	}
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
