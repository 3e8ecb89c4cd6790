// Package engine orchestrates a screening run: geometry validation, spatial
// analysis, trigger evaluation, matrix scoring and, for full runs, audit
// recording and persistence. Each run is an immutable value with its own
// run id; reclassifying a project always creates a new run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ignacio1972/mineria-sub003/pkg/audit"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/geo"
	"github.com/Ignacio1972/mineria-sub003/pkg/layers"
	"github.com/Ignacio1972/mineria-sub003/pkg/matrix"
	"github.com/Ignacio1972/mineria-sub003/pkg/observability"
	"github.com/Ignacio1972/mineria-sub003/pkg/ruleset"
	"github.com/Ignacio1972/mineria-sub003/pkg/spatial"
	"github.com/Ignacio1972/mineria-sub003/pkg/store"
	"github.com/Ignacio1972/mineria-sub003/pkg/trigger"
)

// DefaultRunTimeout bounds a whole run.
const DefaultRunTimeout = 60 * time.Second

// Engine runs quick and full analyses. It is safe for concurrent use; runs
// share no mutable state.
type Engine struct {
	layers       layers.Store
	analyzer     *spatial.Analyzer
	rules        *ruleset.Registry
	profiles     *ruleset.Profiles
	thresholds   *ruleset.ThresholdEvaluator
	runs         store.RunStore
	recorder     *audit.Recorder
	journal      *audit.Journal
	telemetry    *observability.Provider
	observers    []Observer
	logger       *slog.Logger
	runTimeout   time.Duration
	layerTimeout time.Duration
	clock        func() time.Time
	newRunID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunStore enables full runs and the run history operations.
func WithRunStore(s store.RunStore) Option {
	return func(e *Engine) { e.runs = s }
}

// WithRuleSets sets the rule set registry. Runs use the latest version;
// verification looks up the version a run recorded.
func WithRuleSets(r *ruleset.Registry) Option {
	return func(e *Engine) { e.rules = r }
}

// WithProfiles sets the sector profiles and the evaluator their threshold
// expressions were compiled with.
func WithProfiles(p *ruleset.Profiles, eval *ruleset.ThresholdEvaluator) Option {
	return func(e *Engine) {
		e.profiles = p
		e.thresholds = eval
	}
}

// WithRunTimeout bounds every run.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.runTimeout = d
		}
	}
}

// WithLayerTimeout bounds each layer query.
func WithLayerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.layerTimeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTelemetry enables spans and run metrics.
func WithTelemetry(p *observability.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

// WithJournal writes run transitions, verifications and exports to j.
func WithJournal(j *audit.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithObserver registers a hook receiving every state transition.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithRunIDs overrides run id generation for testing.
func WithRunIDs(gen func() string) Option {
	return func(e *Engine) { e.newRunID = gen }
}

// New creates an Engine over a layer store. Without WithRuleSets and
// WithProfiles the built-in rule table and sector profiles are used.
func New(layerStore layers.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		layers:     layerStore,
		logger:     slog.Default().With("component", "engine"),
		runTimeout: DefaultRunTimeout,
		clock:      time.Now,
		newRunID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.rules == nil {
		reg, err := ruleset.NewRegistry(ruleset.Default())
		if err != nil {
			return nil, err
		}
		e.rules = reg
	}
	if e.thresholds == nil {
		eval, err := ruleset.NewThresholdEvaluator()
		if err != nil {
			return nil, err
		}
		e.thresholds = eval
	}
	if e.profiles == nil {
		e.profiles = ruleset.DefaultProfiles(e.thresholds)
	}
	if e.journal != nil {
		e.observers = append(e.observers, e.journal.ObserveTransition)
	}

	e.recorder = audit.NewRecorder().WithClock(e.clock)
	e.analyzer = spatial.NewAnalyzer(layerStore,
		spatial.WithLayerTimeout(e.layerTimeout),
		spatial.WithLogger(e.logger.With("stage", string(StageSpatial))),
		spatial.WithDegradedHook(e.telemetry.RecordLayerDegraded),
	)
	return e, nil
}

// LayerSetFor resolves the layers and thresholds of a project type.
func (e *Engine) LayerSetFor(projectType string) (ruleset.LayerSet, error) {
	return e.profiles.Resolve(projectType)
}

// RuleSet returns the rule set new runs are scored with.
func (e *Engine) RuleSet() *ruleset.RuleSet {
	return e.rules.Latest()
}

// RunQuickAnalysis classifies a project without writing an audit trail.
// Quick runs are exploratory and never persisted.
func (e *Engine) RunQuickAnalysis(ctx context.Context, project contracts.Project, ls ruleset.LayerSet) (contracts.ClassificationResult, error) {
	run, err := e.Analyze(ctx, project, ls, contracts.ModeQuick)
	if err != nil {
		return contracts.ClassificationResult{}, err
	}
	return run.Result, nil
}

// RunFullAnalysis classifies a project, records its audit record and
// persists the run. Result and audit record are stored together or not at
// all.
func (e *Engine) RunFullAnalysis(ctx context.Context, project contracts.Project, ls ruleset.LayerSet) (contracts.ClassificationResult, contracts.AuditRecord, error) {
	run, err := e.Analyze(ctx, project, ls, contracts.ModeFull)
	if err != nil {
		return contracts.ClassificationResult{}, contracts.AuditRecord{}, err
	}
	return run.Result, *run.Audit, nil
}

// Analyze executes one run in the given mode and returns the complete run
// value. A returned error is always a *RunError.
func (e *Engine) Analyze(ctx context.Context, project contracts.Project, ls ruleset.LayerSet, mode contracts.RunMode) (contracts.Run, error) {
	runID := e.newRunID()
	state := newRunState(runID, mode, project, e.clock, e.observers, e.logger)

	ctx, finish := e.telemetry.TrackRun(ctx, runID, string(mode))
	run, stage, err := e.execute(ctx, state, ls)
	if err != nil {
		finish(observability.Outcome{Stage: string(stage), Err: err})
		return contracts.Run{}, state.fail(ctx, stage, err)
	}
	finish(observability.Outcome{
		Pathway:  string(run.Result.RecommendedPathway),
		Band:     string(run.Result.ConfidenceBand),
		Degraded: run.Result.Degraded,
	})
	state.logger.InfoContext(ctx, "run completed",
		"project_id", project.ID,
		"pathway", string(run.Result.RecommendedPathway),
		"confidence", run.Result.Confidence,
		"band", string(run.Result.ConfidenceBand),
		"degraded_layers", run.Result.DegradedLayers,
	)
	return run, nil
}

func (e *Engine) execute(ctx context.Context, s *runState, ls ruleset.LayerSet) (contracts.Run, Stage, error) {
	if mode := s.run.Mode; mode == contracts.ModeFull && e.runs == nil {
		return contracts.Run{}, StageValidation, ErrNoRunStore
	}
	if err := geo.ValidateProjectGeometry(s.run.Project.Geometry.Geometry); err != nil {
		return contracts.Run{}, StageValidation, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	rs := e.rules.Latest()
	tracer := e.telemetry.Tracer()
	var timings contracts.Timings

	// Spatial analysis.
	if err := s.transition(ctx, contracts.RunSpatialAnalysisRunning); err != nil {
		return contracts.Run{}, StageSpatial, err
	}
	sctx, span := observability.StageSpan(ctx, tracer, string(StageSpatial))
	start := time.Now()
	spatialResult, err := e.analyzer.Analyze(sctx, spatial.Request{
		RunID:    s.run.RunID,
		Geometry: s.run.Project.Geometry.Geometry,
		Layers:   ls.Layers,
		RadiusKm: rs.SearchRadiusKm,
	})
	timings.Spatial = time.Since(start).Milliseconds()
	observability.SetSpanError(sctx, err)
	span.End()
	if err != nil {
		return contracts.Run{}, StageSpatial, runContextError(ctx, err)
	}
	s.run.Findings = spatialResult.Findings

	// Trigger evaluation.
	if err := e.checkpoint(ctx, s, contracts.RunTriggerEvaluationRunning); err != nil {
		return contracts.Run{}, StageTrigger, err
	}
	_, span = observability.StageSpan(ctx, tracer, string(StageTrigger))
	start = time.Now()
	s.run.Evidence = trigger.NewEvaluator(rs).Evaluate(spatialResult.Findings, s.run.Project.Attributes)
	timings.Trigger = time.Since(start).Milliseconds()
	span.End()

	// Matrix scoring.
	if err := e.checkpoint(ctx, s, contracts.RunMatrixScoring); err != nil {
		return contracts.Run{}, StageMatrix, err
	}
	mctx, span := observability.StageSpan(ctx, tracer, string(StageMatrix))
	start = time.Now()
	result, err := matrix.New(rs, e.thresholds).Classify(matrix.Input{
		Evidence:       s.run.Evidence,
		Attributes:     s.run.Project.Attributes,
		Thresholds:     ls.Thresholds,
		DegradedLayers: spatialResult.DegradedLayers,
	})
	timings.Matrix = time.Since(start).Milliseconds()
	observability.SetSpanError(mctx, err)
	span.End()
	if err != nil {
		return contracts.Run{}, StageMatrix, err
	}
	result.RunID = s.run.RunID
	s.run.Result = result

	if s.run.Mode == contracts.ModeQuick {
		// A run cancelled after scoring is discarded, not returned.
		if err := e.checkpoint(ctx, s, contracts.RunCompleted); err != nil {
			return contracts.Run{}, StageMatrix, err
		}
		return s.run, "", nil
	}

	// Audit recording.
	if err := e.checkpoint(ctx, s, contracts.RunAuditRecording); err != nil {
		return contracts.Run{}, StageAudit, err
	}
	actx, span := observability.StageSpan(ctx, tracer, string(StageAudit))
	defer span.End()

	rec, err := e.recorder.Build(audit.Entry{
		RunID:          s.run.RunID,
		Project:        s.run.Project,
		LayersUsed:     spatialResult.LayersUsed,
		Result:         result,
		RulesetVersion: rs.Version,
		RulesetHash:    rs.Hash(),
		Profile:        ls.Profile,
		Thresholds:     ls.Thresholds,
		Timings:        timings,
	})
	if err != nil {
		observability.SetSpanError(actx, err)
		return contracts.Run{}, StageAudit, err
	}

	// The stored value is the completed run; observers see Completed only
	// once it is durable.
	done, err := s.next(contracts.RunCompleted)
	if err != nil {
		return contracts.Run{}, StageAudit, err
	}
	final := s.run
	final.State = contracts.RunCompleted
	final.Transitions = append(append([]contracts.Transition{}, s.run.Transitions...), done)
	final.Audit = &rec

	stored, err := e.runs.SaveRun(actx, final)
	if err != nil {
		observability.SetSpanError(actx, err)
		return contracts.Run{}, StageAudit, runContextError(ctx, err)
	}
	s.run.Audit = &stored
	s.apply(ctx, done)
	return s.run, "", nil
}

// checkpoint aborts the run if its context ended, otherwise transitions.
func (e *Engine) checkpoint(ctx context.Context, s *runState, to contracts.RunState) error {
	if err := ctx.Err(); err != nil {
		return runContextError(ctx, err)
	}
	return s.transition(ctx, to)
}

// runContextError reports an expired run deadline as ErrRunTimeout.
func runContextError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrRunTimeout, err)
	}
	return err
}
