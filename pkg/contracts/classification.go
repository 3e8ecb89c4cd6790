package contracts

// Pathway is the recommended evaluation instrument.
type Pathway string

const (
	PathwayDIA Pathway = "DIA"
	PathwayEIA Pathway = "EIA"
)

// ConfidenceBand buckets a confidence value.
type ConfidenceBand string

const (
	BandLow    ConfidenceBand = "LOW"
	BandMedium ConfidenceBand = "MEDIUM"
	BandHigh   ConfidenceBand = "HIGH"
)

// Factor is one term of the classification score.
type Factor struct {
	Factor string  `json:"factor"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
}

// ClassificationResult is the outcome of the classification matrix.
// Everything except RunID is a pure function of the run's inputs, the layer
// versions queried and the rule set.
type ClassificationResult struct {
	RunID               string         `json:"run_id"`
	RecommendedPathway  Pathway        `json:"recommended_pathway"`
	Confidence          float64        `json:"confidence"`
	ConfidenceBand      ConfidenceBand `json:"confidence_band"`
	Score               float64        `json:"score"`
	ContributingFactors []Factor       `json:"contributing_factors"`
	RulesetVersion      string         `json:"ruleset_version"`
	Degraded            bool           `json:"degraded"`
	DegradedLayers      []string       `json:"degraded_layers,omitempty"`
}

// WithoutRunID returns a copy detached from its run, used for hashing and
// cross-run comparisons.
func (r ClassificationResult) WithoutRunID() ClassificationResult {
	r.RunID = ""
	return r
}
