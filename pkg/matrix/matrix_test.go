package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/ruleset"
)

func newMatrix(t *testing.T) (*Matrix, *ruleset.Profiles) {
	t.Helper()
	eval, err := ruleset.NewThresholdEvaluator()
	require.NoError(t, err)
	return New(ruleset.Default(), eval), ruleset.DefaultProfiles(eval)
}

func evidence(states map[contracts.Literal]contracts.EvidenceState) []contracts.TriggerEvidence {
	out := make([]contracts.TriggerEvidence, 0, 6)
	for _, l := range contracts.Literals {
		st, ok := states[l]
		if !ok {
			st = contracts.StateNotApplicable
		}
		out = append(out, contracts.TriggerEvidence{Literal: l, State: st})
	}
	return out
}

func TestClassify_ConfirmedDominates(t *testing.T) {
	m, _ := newMatrix(t)

	res, err := m.Classify(Input{Evidence: evidence(map[contracts.Literal]contracts.EvidenceState{
		contracts.LiteralB: contracts.StateConfirmed,
		contracts.LiteralD: contracts.StatePossible,
	})})
	require.NoError(t, err)

	assert.Equal(t, contracts.PathwayEIA, res.RecommendedPathway)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, contracts.BandHigh, res.ConfidenceBand)
	assert.Equal(t, []contracts.Factor{{Factor: "literal_b", Weight: 1.0, Value: 1}}, res.ContributingFactors)
	assert.Equal(t, "1.0.0", res.RulesetVersion)
}

func TestClassify_SinglePossibleIsDIA(t *testing.T) {
	m, _ := newMatrix(t)

	res, err := m.Classify(Input{Evidence: evidence(map[contracts.Literal]contracts.EvidenceState{
		contracts.LiteralD: contracts.StatePossible,
	})})
	require.NoError(t, err)

	assert.Equal(t, contracts.PathwayDIA, res.RecommendedPathway)
	assert.InDelta(t, 1.0/6, res.Score, 1e-9)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, contracts.BandHigh, res.ConfidenceBand)
	require.Len(t, res.ContributingFactors, 1)
	assert.Equal(t, "literal_d", res.ContributingFactors[0].Factor)
}

func TestClassify_ThreePossibleReachThreshold(t *testing.T) {
	m, _ := newMatrix(t)

	res, err := m.Classify(Input{Evidence: evidence(map[contracts.Literal]contracts.EvidenceState{
		contracts.LiteralA: contracts.StatePossible,
		contracts.LiteralB: contracts.StatePossible,
		contracts.LiteralD: contracts.StatePossible,
	})})
	require.NoError(t, err)

	assert.Equal(t, 0.5, res.Score)
	assert.Equal(t, contracts.PathwayEIA, res.RecommendedPathway)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9, "score on the threshold takes the full margin penalty")
	assert.Equal(t, contracts.BandMedium, res.ConfidenceBand)
}

func TestClassify_SectorThresholds(t *testing.T) {
	m, profiles := newMatrix(t)
	set, err := profiles.Resolve("mining")
	require.NoError(t, err)

	res, err := m.Classify(Input{
		Evidence:   evidence(map[contracts.Literal]contracts.EvidenceState{contracts.LiteralB: contracts.StatePossible}),
		Attributes: contracts.Attributes{"extraction_tpd": 8000.0, "water_use_lps": 40.0},
		Thresholds: set.Thresholds,
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.0/6+0.35, res.Score, 1e-9)
	assert.Equal(t, contracts.PathwayEIA, res.RecommendedPathway)
	assert.Equal(t, []string{"literal_b", "threshold:extraction_capacity"},
		[]string{res.ContributingFactors[0].Factor, res.ContributingFactors[1].Factor})

	below, err := m.Classify(Input{
		Evidence:   evidence(nil),
		Attributes: contracts.Attributes{"extraction_tpd": 1000.0},
		Thresholds: set.Thresholds,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.PathwayDIA, below.RecommendedPathway)
	assert.Zero(t, below.Score)
	assert.Empty(t, below.ContributingFactors)
}

func TestClassify_DegradationNeverHigh(t *testing.T) {
	m, _ := newMatrix(t)

	res, err := m.Classify(Input{
		Evidence:       evidence(map[contracts.Literal]contracts.EvidenceState{contracts.LiteralC: contracts.StatePossible}),
		DegradedLayers: []string{"indigenous_lands"},
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEqual(t, contracts.BandHigh, res.ConfidenceBand)
	assert.InDelta(t, 0.65, res.Confidence, 1e-9)
	assert.Equal(t, []string{"indigenous_lands"}, res.DegradedLayers)

	confirmed, err := m.Classify(Input{
		Evidence:       evidence(map[contracts.Literal]contracts.EvidenceState{contracts.LiteralB: contracts.StateConfirmed}),
		DegradedLayers: []string{"water_bodies"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.PathwayEIA, confirmed.RecommendedPathway)
	assert.Equal(t, 0.8, confirmed.Confidence)
	assert.Equal(t, contracts.BandMedium, confirmed.ConfidenceBand)

	many, err := m.Classify(Input{
		Evidence:       evidence(nil),
		DegradedLayers: []string{"a", "b", "c", "d", "e"},
	})
	require.NoError(t, err)
	assert.Zero(t, many.Confidence)
	assert.Equal(t, contracts.BandLow, many.ConfidenceBand)
}

func TestClassify_ThresholdEvalErrorFails(t *testing.T) {
	m, profiles := newMatrix(t)
	set, err := profiles.Resolve("energy")
	require.NoError(t, err)

	_, err = m.Classify(Input{
		Evidence:   evidence(nil),
		Attributes: contracts.Attributes{"installed_power_mw": "large"},
		Thresholds: set.Thresholds,
	})
	assert.Error(t, err)
}
