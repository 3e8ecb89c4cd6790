package contracts

import "time"

// RunMode selects how far the pipeline goes.
type RunMode string

const (
	// ModeQuick stops after matrix scoring and writes no audit trail.
	ModeQuick RunMode = "quick"
	// ModeFull records an audit record and persists the run.
	ModeFull RunMode = "full"
)

// RunState is a step of the orchestrator state machine.
type RunState string

const (
	RunPending                  RunState = "Pending"
	RunSpatialAnalysisRunning   RunState = "SpatialAnalysisRunning"
	RunTriggerEvaluationRunning RunState = "TriggerEvaluationRunning"
	RunMatrixScoring            RunState = "MatrixScoring"
	RunAuditRecording           RunState = "AuditRecording"
	RunCompleted                RunState = "Completed"
	RunFailed                   RunState = "Failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Transition is one recorded state change.
type Transition struct {
	From RunState  `json:"from"`
	To   RunState  `json:"to"`
	At   time.Time `json:"at"`
}

// Run is one complete execution of the pipeline for a project snapshot.
// Reclassification creates a new Run; stored runs are never revised.
type Run struct {
	RunID       string               `json:"run_id"`
	ProjectID   string               `json:"project_id"`
	Mode        RunMode              `json:"mode"`
	State       RunState             `json:"state"`
	Project     Project              `json:"project"`
	Findings    []SpatialFinding     `json:"findings"`
	Evidence    []TriggerEvidence    `json:"evidence"`
	Result      ClassificationResult `json:"result"`
	Audit       *AuditRecord         `json:"audit,omitempty"`
	Transitions []Transition         `json:"transitions"`
	CreatedAt   time.Time            `json:"created_at"`
}

// EvidenceFor returns the evidence record of a literal.
func (r Run) EvidenceFor(l Literal) (TriggerEvidence, bool) {
	for _, ev := range r.Evidence {
		if ev.Literal == l {
			return ev, true
		}
	}
	return TriggerEvidence{}, false
}
