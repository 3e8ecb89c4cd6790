package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Ignacio1972/mineria-sub003/pkg/audit"
	"github.com/Ignacio1972/mineria-sub003/pkg/canonicalize"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/matrix"
	"github.com/Ignacio1972/mineria-sub003/pkg/trigger"
)

// VerifyReport is the outcome of re-checking a stored run.
type VerifyReport struct {
	RunID          string   `json:"run_id"`
	RulesetVersion string   `json:"ruleset_version"`
	InputChecksum  string   `json:"input_checksum"`
	ChecksumsMatch bool     `json:"checksums_match"`
	RulesetMatch   bool     `json:"ruleset_match"`
	EvidenceMatch  bool     `json:"evidence_match"`
	ResultMatch    bool     `json:"result_match"`
	Mismatches     []string `json:"mismatches,omitempty"`
}

// OK reports whether every check passed.
func (r VerifyReport) OK() bool {
	return r.ChecksumsMatch && r.RulesetMatch && r.EvidenceMatch && r.ResultMatch
}

// GetRun loads a stored run.
func (e *Engine) GetRun(ctx context.Context, runID string) (contracts.Run, error) {
	if e.runs == nil {
		return contracts.Run{}, ErrNoRunStore
	}
	return e.runs.GetRun(ctx, runID)
}

// ListRuns returns every stored run of a project, oldest first.
func (e *Engine) ListRuns(ctx context.Context, projectID string) ([]contracts.Run, error) {
	if e.runs == nil {
		return nil, ErrNoRunStore
	}
	return e.runs.ListRuns(ctx, projectID)
}

// VerifyChain checks the hash chain over all stored audit records.
func (e *Engine) VerifyChain(ctx context.Context) error {
	if e.runs == nil {
		return ErrNoRunStore
	}
	return e.runs.VerifyChain(ctx)
}

// VerifyRun reloads a stored run, checks its recorded hashes against the
// stored inputs and result, and re-derives evidence and result from the
// stored findings with the rule set version and sector thresholds the run
// recorded. A failed
// check is reported in the VerifyReport; the error is reserved for runs
// that cannot be checked at all.
func (e *Engine) VerifyRun(ctx context.Context, runID string) (VerifyReport, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return VerifyReport{}, err
	}
	if run.Audit == nil {
		return VerifyReport{}, fmt.Errorf("%w: %s", audit.ErrNotAuditable, runID)
	}
	rec := *run.Audit
	report := VerifyReport{RunID: runID, RulesetVersion: rec.RulesetVersion, InputChecksum: rec.InputChecksum}

	if err := audit.Verify(rec, run.Project, run.Result); err != nil {
		if !errors.Is(err, audit.ErrChecksumMismatch) {
			return VerifyReport{}, err
		}
		report.Mismatches = append(report.Mismatches, err.Error())
	} else {
		report.ChecksumsMatch = true
	}

	rs, err := e.rules.Get(rec.RulesetVersion)
	if err != nil {
		return VerifyReport{}, err
	}
	if rs.Hash() == rec.RulesetHash {
		report.RulesetMatch = true
	} else {
		report.Mismatches = append(report.Mismatches,
			fmt.Sprintf("ruleset %s hashes to %s, recorded %s", rs.Version, rs.Hash(), rec.RulesetHash))
	}

	evidence := trigger.NewEvaluator(rs).Evaluate(run.Findings, run.Project.Attributes)
	same, err := sameCanonical(evidence, run.Evidence)
	if err != nil {
		return VerifyReport{}, err
	}
	report.EvidenceMatch = same
	if !same {
		report.Mismatches = append(report.Mismatches, "re-derived trigger evidence differs from stored evidence")
	}

	result, err := matrix.New(rs, e.thresholds).Classify(matrix.Input{
		Evidence:       evidence,
		Attributes:     run.Project.Attributes,
		Thresholds:     rec.Thresholds,
		DegradedLayers: degradedLayers(run.Findings),
	})
	if err != nil {
		return VerifyReport{}, err
	}
	result.RunID = run.RunID
	rh, err := audit.ResultHash(result)
	if err != nil {
		return VerifyReport{}, err
	}
	report.ResultMatch = rh == rec.ResultHash
	if !report.ResultMatch {
		report.Mismatches = append(report.Mismatches,
			fmt.Sprintf("re-derived result hashes to %s, recorded %s", rh, rec.ResultHash))
	}

	if e.journal != nil {
		err := e.journal.Record(ctx, runID, audit.EventVerify, verdict(report.OK()), map[string]any{
			"ruleset_version": rec.RulesetVersion,
			"mismatches":      len(report.Mismatches),
		})
		if err != nil {
			e.logger.WarnContext(ctx, "journal write failed", "run_id", runID, "error", err)
		}
	}
	e.logger.InfoContext(ctx, "run verified", "run_id", runID, "ok", report.OK(), "mismatches", len(report.Mismatches))
	return report, nil
}

// ExportRun bundles a verified stored run into a zip evidence pack and
// returns the archive with its SHA-256.
func (e *Engine) ExportRun(ctx context.Context, runID string) ([]byte, string, error) {
	if e.runs == nil {
		return nil, "", ErrNoRunStore
	}
	return audit.NewExporter(e.runs, e.journal).GeneratePack(ctx, runID)
}

// LiteralChange is a literal whose state differs between two runs.
type LiteralChange struct {
	Literal contracts.Literal       `json:"literal"`
	From    contracts.EvidenceState `json:"from"`
	To      contracts.EvidenceState `json:"to"`
}

// LayerChange is a layer queried at different versions, or degraded in only
// one of the runs.
type LayerChange struct {
	Layer        string `json:"layer"`
	FromVersion  string `json:"from_version"`
	ToVersion    string `json:"to_version"`
	FromDegraded bool   `json:"from_degraded"`
	ToDegraded   bool   `json:"to_degraded"`
}

// Comparison describes how a later run differs from an earlier one.
type Comparison struct {
	RunA           string                   `json:"run_a"`
	RunB           string                   `json:"run_b"`
	InputsChanged  bool                     `json:"inputs_changed"`
	RulesetChanged bool                     `json:"ruleset_changed"`
	PathwayA       contracts.Pathway        `json:"pathway_a"`
	PathwayB       contracts.Pathway        `json:"pathway_b"`
	PathwayChanged bool                     `json:"pathway_changed"`
	ConfidenceA    float64                  `json:"confidence_a"`
	ConfidenceB    float64                  `json:"confidence_b"`
	BandA          contracts.ConfidenceBand `json:"band_a"`
	BandB          contracts.ConfidenceBand `json:"band_b"`
	LiteralChanges []LiteralChange          `json:"literal_changes"`
	LayerChanges   []LayerChange            `json:"layer_changes"`
}

// CompareRuns loads two stored runs and lists what changed from a to b.
func (e *Engine) CompareRuns(ctx context.Context, runA, runB string) (Comparison, error) {
	a, err := e.GetRun(ctx, runA)
	if err != nil {
		return Comparison{}, err
	}
	b, err := e.GetRun(ctx, runB)
	if err != nil {
		return Comparison{}, err
	}
	return Compare(a, b), nil
}

// Compare diffs two run values.
func Compare(a, b contracts.Run) Comparison {
	c := Comparison{
		RunA:           a.RunID,
		RunB:           b.RunID,
		PathwayA:       a.Result.RecommendedPathway,
		PathwayB:       b.Result.RecommendedPathway,
		PathwayChanged: a.Result.RecommendedPathway != b.Result.RecommendedPathway,
		ConfidenceA:    a.Result.Confidence,
		ConfidenceB:    b.Result.Confidence,
		RulesetChanged: a.Result.RulesetVersion != b.Result.RulesetVersion,
		BandA:          a.Result.ConfidenceBand,
		BandB:          b.Result.ConfidenceBand,
		LiteralChanges: []LiteralChange{},
		LayerChanges:   []LayerChange{},
	}
	if a.Audit != nil && b.Audit != nil {
		c.InputsChanged = a.Audit.InputChecksum != b.Audit.InputChecksum
	}

	for _, l := range contracts.Literals {
		ea, _ := a.EvidenceFor(l)
		eb, _ := b.EvidenceFor(l)
		if ea.State != eb.State {
			c.LiteralChanges = append(c.LiteralChanges, LiteralChange{Literal: l, From: ea.State, To: eb.State})
		}
	}

	type layerState struct {
		version  string
		degraded bool
	}
	byLayer := func(r contracts.Run) map[string]layerState {
		out := make(map[string]layerState, len(r.Findings))
		for _, f := range r.Findings {
			out[f.LayerName] = layerState{version: f.LayerVersion, degraded: f.Error}
		}
		return out
	}
	la, lb := byLayer(a), byLayer(b)
	names := make([]string, 0, len(la)+len(lb))
	for n := range la {
		names = append(names, n)
	}
	for n := range lb {
		if _, ok := la[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		sa, sb := la[n], lb[n]
		if sa != sb {
			c.LayerChanges = append(c.LayerChanges, LayerChange{
				Layer:        n,
				FromVersion:  sa.version,
				ToVersion:    sb.version,
				FromDegraded: sa.degraded,
				ToDegraded:   sb.degraded,
			})
		}
	}
	return c
}

func degradedLayers(findings []contracts.SpatialFinding) []string {
	var out []string
	for _, f := range findings {
		if f.Error {
			out = append(out, f.LayerName)
		}
	}
	return out
}

func sameCanonical(a, b any) (bool, error) {
	da, err := canonicalize.Digest(a)
	if err != nil {
		return false, err
	}
	db, err := canonicalize.Digest(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func verdict(ok bool) string {
	if ok {
		return "verified"
	}
	return "mismatch"
}
