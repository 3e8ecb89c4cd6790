package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/merkle"
)

var (
	// ErrEmptyRunID is returned when no run id is given.
	ErrEmptyRunID = errors.New("audit: run_id must not be empty")
	// ErrNotAuditable is returned for runs without an audit record.
	ErrNotAuditable = errors.New("audit: run has no audit record")
	// ErrPackCorrupt is returned when a pack does not match its manifest.
	ErrPackCorrupt = errors.New("audit: evidence pack does not match its manifest")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

const manifestVersion = "1"

// Manifest is written as manifest.json inside an evidence pack.
type Manifest struct {
	Version            string                   `json:"version"`
	RunID              string                   `json:"run_id"`
	ProjectID          string                   `json:"project_id"`
	GeneratedAt        time.Time                `json:"generated_at"`
	InputChecksum      string                   `json:"input_checksum"`
	ResultHash         string                   `json:"result_hash"`
	RulesetVersion     string                   `json:"ruleset_version"`
	RulesetHash        string                   `json:"ruleset_hash"`
	RecordHash         string                   `json:"record_hash"`
	PreviousHash       string                   `json:"previous_hash"`
	RecommendedPathway contracts.Pathway        `json:"recommended_pathway"`
	ConfidenceBand     contracts.ConfidenceBand `json:"confidence_band"`
	Degraded           bool                     `json:"degraded"`
	FileHashes         map[string]string        `json:"file_hashes"`
	MerkleRoot         string                   `json:"merkle_root"`
}

// RunReader loads stored runs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (contracts.Run, error)
}

// Exporter bundles a stored full run into a zip evidence pack.
type Exporter struct {
	runs    RunReader
	journal *Journal
	now     func() time.Time
}

// NewExporter creates an Exporter. journal may be nil.
func NewExporter(runs RunReader, journal *Journal) *Exporter {
	return &Exporter{runs: runs, journal: journal, now: time.Now}
}

// GeneratePack verifies the run and writes run.json, audit.json,
// manifest.json and a README into a zip. It returns the archive and its
// SHA-256.
func (e *Exporter) GeneratePack(ctx context.Context, runID string) ([]byte, string, error) {
	if runID == "" {
		return nil, "", ErrEmptyRunID
	}
	if e.runs == nil {
		return nil, "", ErrStoreNotConfigured
	}

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	if run.Audit == nil {
		return nil, "", fmt.Errorf("%w: %s (%s run)", ErrNotAuditable, runID, run.Mode)
	}
	if err := Verify(*run.Audit, run.Project, run.Result); err != nil {
		return nil, "", err
	}

	runJSON, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, "", err
	}
	auditJSON, err := json.MarshalIndent(run.Audit, "", "  ")
	if err != nil {
		return nil, "", err
	}

	generated := e.now().UTC()
	readme := []byte(fmt.Sprintf("Evidence pack for run %s (project %s)\nGenerated at %s\n"+
		"manifest.json lists the SHA-256 of every other file and their Merkle root.\n",
		run.RunID, run.ProjectID, generated.Format(time.RFC3339)))
	files := map[string][]byte{
		"run.json":   runJSON,
		"audit.json": auditJSON,
		"README.txt": readme,
	}

	tree := merkle.BuildTree(files)
	manifest := Manifest{
		Version:            manifestVersion,
		RunID:              run.RunID,
		ProjectID:          run.ProjectID,
		GeneratedAt:        generated,
		InputChecksum:      run.Audit.InputChecksum,
		ResultHash:         run.Audit.ResultHash,
		RulesetVersion:     run.Audit.RulesetVersion,
		RulesetHash:        run.Audit.RulesetHash,
		RecordHash:         run.Audit.RecordHash,
		PreviousHash:       run.Audit.PreviousHash,
		RecommendedPathway: run.Result.RecommendedPathway,
		ConfidenceBand:     run.Result.ConfidenceBand,
		Degraded:           run.Result.Degraded,
		FileHashes:         make(map[string]string, len(files)),
		MerkleRoot:         tree.Root,
	}
	for name, data := range files {
		manifest.FileHashes[name] = sha256Hex(data)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	entries := []struct {
		name string
		data []byte
	}{
		{"run.json", runJSON},
		{"audit.json", auditJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", readme},
	}
	for _, f := range entries {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	checksum := sha256Hex(zipBytes)

	if e.journal != nil {
		if err := e.journal.Record(ctx, runID, EventExport, "evidence_pack", map[string]any{"sha256": checksum}); err != nil {
			slog.Default().WarnContext(ctx, "journal write failed", "run_id", runID, "error", err)
		}
	}
	return zipBytes, checksum, nil
}

// VerifyPack checks every file of a pack against the manifest hashes and
// the Merkle root, and returns the manifest.
func VerifyPack(pack []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackCorrupt, err)
	}

	var manifest *Manifest
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrPackCorrupt, f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrPackCorrupt, f.Name, err)
		}
		if f.Name == "manifest.json" {
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("%w: decode manifest: %v", ErrPackCorrupt, err)
			}
			manifest = &m
			continue
		}
		files[f.Name] = data
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: manifest.json not found", ErrPackCorrupt)
	}

	if len(files) != len(manifest.FileHashes) {
		return nil, fmt.Errorf("%w: pack has %d files, manifest lists %d", ErrPackCorrupt, len(files), len(manifest.FileHashes))
	}
	for name, want := range manifest.FileHashes {
		data, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s listed in manifest but missing from pack", ErrPackCorrupt, name)
		}
		if got := sha256Hex(data); got != want {
			return nil, fmt.Errorf("%w: hash mismatch for %s: expected %s, got %s", ErrPackCorrupt, name, want, got)
		}
	}
	if root := merkle.BuildTree(files).Root; root != manifest.MerkleRoot {
		return nil, fmt.Errorf("%w: merkle root %s, manifest %s", ErrPackCorrupt, root, manifest.MerkleRoot)
	}
	return manifest, nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
