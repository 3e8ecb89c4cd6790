// Package matrix turns literal evidence and declared attributes into a
// DIA/EIA recommendation with a confidence score. It is a pure function of
// its inputs and the rule table.
package matrix

import (
	"fmt"
	"math"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/ruleset"
)

// Input is everything the matrix reads.
type Input struct {
	Evidence       []contracts.TriggerEvidence
	Attributes     contracts.Attributes
	Thresholds     []ruleset.Threshold
	DegradedLayers []string
}

// Matrix scores runs against one rule table.
type Matrix struct {
	rules *ruleset.RuleSet
	eval  *ruleset.ThresholdEvaluator
}

// New creates a Matrix.
func New(rs *ruleset.RuleSet, eval *ruleset.ThresholdEvaluator) *Matrix {
	return &Matrix{rules: rs, eval: eval}
}

// Classify scores the evidence. The returned result has no RunID.
func (m *Matrix) Classify(in Input) (contracts.ClassificationResult, error) {
	var confirmed, possible []contracts.Literal
	for _, ev := range in.Evidence {
		switch ev.State {
		case contracts.StateConfirmed:
			confirmed = append(confirmed, ev.Literal)
		case contracts.StatePossible:
			possible = append(possible, ev.Literal)
		}
	}

	var factors []contracts.Factor
	score := 0.0
	for _, l := range possible {
		w := m.rules.Rule(l).Weight
		score += w
		factors = append(factors, contracts.Factor{Factor: literalFactor(l), Weight: w, Value: 1})
	}
	for _, t := range in.Thresholds {
		exceeded, err := m.eval.Exceeded(t, in.Attributes)
		if err != nil {
			return contracts.ClassificationResult{}, fmt.Errorf("matrix: %w", err)
		}
		if !exceeded {
			continue
		}
		score += t.Weight
		factors = append(factors, contracts.Factor{Factor: "threshold:" + t.Name, Weight: t.Weight, Value: 1})
	}
	score = round(score)

	res := contracts.ClassificationResult{
		Score:          score,
		RulesetVersion: m.rules.Version,
		Degraded:       len(in.DegradedLayers) > 0,
		DegradedLayers: append([]string(nil), in.DegradedLayers...),
	}

	if len(confirmed) > 0 {
		res.RecommendedPathway = contracts.PathwayEIA
		res.Confidence = 1.0
		factors = factors[:0]
		for _, l := range confirmed {
			factors = append(factors, contracts.Factor{Factor: literalFactor(l), Weight: 1.0, Value: 1})
		}
	} else {
		res.RecommendedPathway = contracts.PathwayDIA
		if score >= m.rules.EIAThreshold {
			res.RecommendedPathway = contracts.PathwayEIA
		}
		res.Confidence = m.confidence(score, len(in.DegradedLayers))
	}

	// A degraded run never reaches the HIGH band, even when a literal is
	// confirmed.
	if res.Degraded {
		res.Confidence = math.Min(res.Confidence, m.rules.Confidence.HighAbove)
	}
	res.Confidence = round(res.Confidence)
	res.ConfidenceBand = m.Band(res.Confidence)

	if factors == nil {
		factors = []contracts.Factor{}
	}
	res.ContributingFactors = factors
	return res, nil
}

// confidence is one minus a proxy for how fragile the decision is: scores
// near the threshold and degraded layers both raise the proxy.
func (m *Matrix) confidence(score float64, degraded int) float64 {
	c := m.rules.Confidence
	thr := m.rules.EIAThreshold

	margin := math.Max(0, 1-math.Abs(score-thr)/thr)
	proxy := c.MarginPenalty*margin + c.DegradationPenalty*float64(degraded)
	proxy = math.Min(1, math.Max(0, proxy))
	return 1 - proxy
}

// Band buckets a confidence value.
func (m *Matrix) Band(confidence float64) contracts.ConfidenceBand {
	c := m.rules.Confidence
	switch {
	case confidence > c.HighAbove:
		return contracts.BandHigh
	case confidence >= c.MediumFrom:
		return contracts.BandMedium
	default:
		return contracts.BandLow
	}
}

func literalFactor(l contracts.Literal) string {
	return "literal_" + string(l)
}

// round drops float noise so sums such as 3 × 1/6 compare equal to 0.5.
func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
