package contracts

import "time"

// Timings records stage durations in milliseconds.
type Timings struct {
	Spatial int64 `json:"spatial"`
	Trigger int64 `json:"trigger"`
	Matrix  int64 `json:"matrix"`
}

// Threshold is a sector-specific regulatory threshold over declared
// attributes. Each exceeded threshold adds its weight to the score.
type Threshold struct {
	Name       string  `yaml:"name" json:"name" validate:"required"`
	Attribute  string  `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Expression string  `yaml:"expression" json:"expression" validate:"required"`
	Weight     float64 `yaml:"weight" json:"weight" validate:"gt=0,lte=1"`
}

// AuditRecord is written once per successful full run, in the same
// transaction as its ClassificationResult, and never updated or deleted.
type AuditRecord struct {
	RunID             string             `json:"run_id"`
	ProjectID         string             `json:"project_id"`
	InputChecksum     string             `json:"input_checksum"`
	ResultHash        string             `json:"result_hash"`
	LayerVersionsUsed []LayerVersionUsed `json:"layer_versions_used"`
	RulesetVersion    string             `json:"ruleset_version"`
	RulesetHash       string             `json:"ruleset_hash"`
	Profile           string             `json:"profile"`
	Thresholds        []Threshold        `json:"thresholds"`
	ThresholdsHash    string             `json:"thresholds_hash"`
	TimingsMs         Timings            `json:"timings_ms"`
	CreatedAt         time.Time          `json:"created_at"`

	// Chain fields are assigned by the store on append.
	Sequence     uint64 `json:"sequence,omitempty"`
	PreviousHash string `json:"previous_hash,omitempty"`
	RecordHash   string `json:"record_hash,omitempty"`
}

// Degraded reports whether any layer used by the run was degraded.
func (a AuditRecord) Degraded() bool {
	for _, lv := range a.LayerVersionsUsed {
		if lv.Degraded {
			return true
		}
	}
	return false
}
