package contracts

import "fmt"

// Literal identifies one of the six statutory trigger categories.
type Literal string

const (
	LiteralA Literal = "a" // population health risk
	LiteralB Literal = "b" // natural resources
	LiteralC Literal = "c" // resettlement / human groups
	LiteralD Literal = "d" // proximity to protected areas
	LiteralE Literal = "e" // heritage
	LiteralF Literal = "f" // landscape / tourism
)

// Literals lists every literal in evaluation order.
var Literals = []Literal{LiteralA, LiteralB, LiteralC, LiteralD, LiteralE, LiteralF}

// Valid reports whether l is one of the six literals.
func (l Literal) Valid() bool {
	for _, known := range Literals {
		if l == known {
			return true
		}
	}
	return false
}

// EvidenceState is the evaluator's confidence that a literal's condition holds.
// States are ordered: not_applicable < possible < confirmed.
type EvidenceState string

const (
	StateNotApplicable EvidenceState = "not_applicable"
	StatePossible      EvidenceState = "possible"
	StateConfirmed     EvidenceState = "confirmed"
)

// Rank orders states for comparisons.
func (s EvidenceState) Rank() int {
	switch s {
	case StateConfirmed:
		return 2
	case StatePossible:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known state.
func (s EvidenceState) Valid() bool {
	return s == StateNotApplicable || s == StatePossible || s == StateConfirmed
}

// MaxState returns the stronger of two states.
func MaxState(a, b EvidenceState) EvidenceState {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MinState returns the weaker of two states.
func MinState(a, b EvidenceState) EvidenceState {
	if b.Rank() < a.Rank() {
		return b
	}
	return a
}

// ParseEvidenceState converts a configuration string into a state.
func ParseEvidenceState(s string) (EvidenceState, error) {
	st := EvidenceState(s)
	if !st.Valid() {
		return "", fmt.Errorf("contracts: unknown evidence state %q", s)
	}
	return st, nil
}

// TriggerEvidence is the evaluator's verdict on one literal in one run.
// SupportingFindings names the layers whose findings produced the verdict.
type TriggerEvidence struct {
	Literal            Literal       `json:"literal"`
	State              EvidenceState `json:"state"`
	Rationale          string        `json:"rationale"`
	SupportingFindings []string      `json:"supporting_findings"`
	Degraded           bool          `json:"degraded"`
}
