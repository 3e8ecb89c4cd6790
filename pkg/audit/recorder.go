// Package audit builds and verifies the audit record of a full run. The
// input checksum binds a classification to the exact geometry, declared
// attributes and layer versions it was computed from, so a stored result can
// be checked later without trusting the code that produced it.
package audit

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Ignacio1972/mineria-sub003/pkg/canonicalize"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

// ErrChecksumMismatch is returned when stored inputs or results no longer
// hash to the values in their audit record.
var ErrChecksumMismatch = errors.New("audit: checksum mismatch")

type layerRef struct {
	LayerName string `json:"layer_name"`
	Version   string `json:"version"`
}

type checksumInput struct {
	Geometry       contracts.ProjectGeometry `json:"geometry"`
	Attributes     contracts.Attributes      `json:"attributes"`
	LayerVersions  []layerRef                `json:"layer_versions"`
	ThresholdsHash string                    `json:"thresholds_hash"`
}

// ThresholdsHash hashes the sector thresholds a run was scored with, in
// evaluation order.
func ThresholdsHash(ts []contracts.Threshold) (string, error) {
	if ts == nil {
		ts = []contracts.Threshold{}
	}
	sum, err := canonicalize.Digest(ts)
	if err != nil {
		return "", fmt.Errorf("audit: thresholds hash: %w", err)
	}
	return sum, nil
}

// InputChecksum hashes the canonical form of geometry, attributes, the
// layer versions used (sorted by layer name) and the thresholds hash.
func InputChecksum(p contracts.Project, used []contracts.LayerVersionUsed, thresholdsHash string) (string, error) {
	refs := make([]layerRef, 0, len(used))
	for _, u := range used {
		refs = append(refs, layerRef{LayerName: u.LayerName, Version: u.Version})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].LayerName != refs[j].LayerName {
			return refs[i].LayerName < refs[j].LayerName
		}
		return refs[i].Version < refs[j].Version
	})

	attrs := p.Attributes
	if attrs == nil {
		attrs = contracts.Attributes{}
	}
	sum, err := canonicalize.Digest(checksumInput{
		Geometry:       p.Geometry,
		Attributes:     attrs,
		LayerVersions:  refs,
		ThresholdsHash: thresholdsHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: input checksum: %w", err)
	}
	return sum, nil
}

// ResultHash hashes a classification result without its run id.
func ResultHash(r contracts.ClassificationResult) (string, error) {
	sum, err := canonicalize.Digest(r.WithoutRunID())
	if err != nil {
		return "", fmt.Errorf("audit: result hash: %w", err)
	}
	return sum, nil
}

// Recorder assembles audit records.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a Recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// WithClock overrides the clock for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.now = clock
	return r
}

// Entry is what the recorder needs from a finished pipeline.
type Entry struct {
	RunID          string
	Project        contracts.Project
	LayersUsed     []contracts.LayerVersionUsed
	Result         contracts.ClassificationResult
	RulesetVersion string
	RulesetHash    string
	Profile        string
	Thresholds     []contracts.Threshold
	Timings        contracts.Timings
}

// Build computes both hashes and returns the record. Chain fields are left
// for the store.
func (r *Recorder) Build(e Entry) (contracts.AuditRecord, error) {
	if e.RunID == "" || e.Result.RunID != e.RunID {
		return contracts.AuditRecord{}, fmt.Errorf("audit: result does not belong to run %q", e.RunID)
	}
	th, err := ThresholdsHash(e.Thresholds)
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	in, err := InputChecksum(e.Project, e.LayersUsed, th)
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	rh, err := ResultHash(e.Result)
	if err != nil {
		return contracts.AuditRecord{}, err
	}

	used := append([]contracts.LayerVersionUsed(nil), e.LayersUsed...)
	sort.SliceStable(used, func(i, j int) bool { return used[i].LayerName < used[j].LayerName })

	return contracts.AuditRecord{
		RunID:             e.RunID,
		ProjectID:         e.Project.ID,
		InputChecksum:     in,
		ResultHash:        rh,
		LayerVersionsUsed: used,
		RulesetVersion:    e.RulesetVersion,
		RulesetHash:       e.RulesetHash,
		Profile:           e.Profile,
		Thresholds:        append([]contracts.Threshold{}, e.Thresholds...),
		ThresholdsHash:    th,
		TimingsMs:         e.Timings,
		CreatedAt:         r.now().UTC(),
	}, nil
}

// Verify recomputes the thresholds hash, input checksum and result hash of a
// stored run.
func Verify(rec contracts.AuditRecord, p contracts.Project, result contracts.ClassificationResult) error {
	if rec.RunID != result.RunID {
		return fmt.Errorf("%w: record run %s paired with result run %s", ErrChecksumMismatch, rec.RunID, result.RunID)
	}
	th, err := ThresholdsHash(rec.Thresholds)
	if err != nil {
		return err
	}
	if th != rec.ThresholdsHash {
		return fmt.Errorf("%w: thresholds hash %s, recorded %s", ErrChecksumMismatch, th, rec.ThresholdsHash)
	}
	in, err := InputChecksum(p, rec.LayerVersionsUsed, th)
	if err != nil {
		return err
	}
	if in != rec.InputChecksum {
		return fmt.Errorf("%w: input checksum %s, recorded %s", ErrChecksumMismatch, in, rec.InputChecksum)
	}
	rh, err := ResultHash(result)
	if err != nil {
		return err
	}
	if rh != rec.ResultHash {
		return fmt.Errorf("%w: result hash %s, recorded %s", ErrChecksumMismatch, rh, rec.ResultHash)
	}
	return nil
}
