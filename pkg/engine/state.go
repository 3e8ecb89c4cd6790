package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

// Observer receives every state transition of every run.
type Observer func(ctx context.Context, runID string, t contracts.Transition)

var transitions = map[contracts.RunState][]contracts.RunState{
	contracts.RunPending:                  {contracts.RunSpatialAnalysisRunning, contracts.RunFailed},
	contracts.RunSpatialAnalysisRunning:   {contracts.RunTriggerEvaluationRunning, contracts.RunFailed},
	contracts.RunTriggerEvaluationRunning: {contracts.RunMatrixScoring, contracts.RunFailed},
	contracts.RunMatrixScoring:            {contracts.RunAuditRecording, contracts.RunCompleted, contracts.RunFailed},
	contracts.RunAuditRecording:           {contracts.RunCompleted, contracts.RunFailed},
}

// allowed reports whether a run of the given mode may move from one state
// to another. Quick runs never record an audit; full runs never skip it.
func allowed(mode contracts.RunMode, from, to contracts.RunState) bool {
	if from == contracts.RunMatrixScoring {
		switch {
		case mode == contracts.ModeQuick && to == contracts.RunAuditRecording:
			return false
		case mode == contracts.ModeFull && to == contracts.RunCompleted:
			return false
		}
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// runState accumulates one run. It is confined to the goroutine executing
// the run.
type runState struct {
	run       contracts.Run
	observers []Observer
	logger    *slog.Logger
	clock     func() time.Time
}

func newRunState(runID string, mode contracts.RunMode, project contracts.Project, clock func() time.Time, observers []Observer, logger *slog.Logger) *runState {
	return &runState{
		run: contracts.Run{
			RunID:       runID,
			ProjectID:   project.ID,
			Mode:        mode,
			State:       contracts.RunPending,
			Project:     project,
			Transitions: []contracts.Transition{},
			CreatedAt:   clock().UTC(),
		},
		observers: observers,
		logger:    logger.With("run_id", runID, "mode", string(mode)),
		clock:     clock,
	}
}

// next computes the transition to a state without applying it.
func (s *runState) next(to contracts.RunState) (contracts.Transition, error) {
	from := s.run.State
	if from.Terminal() || !allowed(s.run.Mode, from, to) {
		return contracts.Transition{}, fmt.Errorf("%w: %s -> %s (%s run)", ErrInvalidTransition, from, to, s.run.Mode)
	}
	return contracts.Transition{From: from, To: to, At: s.clock().UTC()}, nil
}

// apply records a transition and notifies observers.
func (s *runState) apply(ctx context.Context, t contracts.Transition) {
	s.run.State = t.To
	s.run.Transitions = append(s.run.Transitions, t)
	s.logger.DebugContext(ctx, "run transition", "from", string(t.From), "to", string(t.To))
	for _, obs := range s.observers {
		obs(ctx, s.run.RunID, t)
	}
}

func (s *runState) transition(ctx context.Context, to contracts.RunState) error {
	t, err := s.next(to)
	if err != nil {
		return err
	}
	s.apply(ctx, t)
	return nil
}

// fail moves the run to Failed and returns the RunError describing it.
func (s *runState) fail(ctx context.Context, stage Stage, err error) *RunError {
	if t, terr := s.next(contracts.RunFailed); terr == nil {
		s.apply(ctx, t)
	}
	s.logger.ErrorContext(ctx, "run failed", "stage", string(stage), "error", err)
	return &RunError{RunID: s.run.RunID, Stage: stage, Err: err}
}
