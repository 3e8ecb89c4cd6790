package engine

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step at which a run failed.
type Stage string

const (
	StageValidation Stage = "validation"
	StageSpatial    Stage = "spatial"
	StageTrigger    Stage = "trigger"
	StageMatrix     Stage = "matrix"
	StageAudit      Stage = "audit"
)

var (
	// ErrRunTimeout is returned when a run exceeds the overall run timeout.
	ErrRunTimeout = errors.New("engine: run timed out")
	// ErrNoRunStore is returned by operations that need persistence when
	// the engine was built without a run store.
	ErrNoRunStore = errors.New("engine: no run store configured")
	// ErrInvalidTransition guards the run state machine.
	ErrInvalidTransition = errors.New("engine: invalid state transition")
	// ErrInvalidRequest is returned for request documents that fail the
	// request schema.
	ErrInvalidRequest = errors.New("engine: invalid request")
)

// RunError reports a run that ended in the Failed state. No classification
// exists for it. A degraded but successful run never produces a RunError.
type RunError struct {
	RunID string
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("engine: run %s failed during %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
