package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ignacio1972/mineria-sub003/pkg/audit"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

func project() contracts.Project {
	return contracts.Project{
		ID:   "proj-1",
		Type: "mining",
		Geometry: contracts.ProjectGeometry{Version: "v1", Geometry: orb.Polygon{orb.Ring{
			{-70, -33}, {-69.9, -33}, {-69.9, -32.9}, {-70, -32.9}, {-70, -33},
		}}},
		Attributes: contracts.Attributes{"extraction_tpd": 1200.0, "affects_heritage": false},
	}
}

func used() []contracts.LayerVersionUsed {
	return []contracts.LayerVersionUsed{
		{LayerName: "glaciers", Version: "2.1.0"},
		{LayerName: "protected_areas", Version: "3.0.0"},
	}
}

func result(runID string) contracts.ClassificationResult {
	return contracts.ClassificationResult{
		RunID:               runID,
		RecommendedPathway:  contracts.PathwayDIA,
		Confidence:          0.9,
		ConfidenceBand:      contracts.BandHigh,
		Score:               0.166666667,
		ContributingFactors: []contracts.Factor{{Factor: "literal_d", Weight: 0.16666666666666666, Value: 1}},
		RulesetVersion:      "1.0.0",
	}
}

func thresholds() []contracts.Threshold {
	return []contracts.Threshold{
		{Name: "extraction_capacity", Attribute: "extraction_tpd", Expression: "attrs.extraction_tpd >= 5000.0", Weight: 0.35},
	}
}

func TestInputChecksum_OrderIndependentAndSensitive(t *testing.T) {
	th, err := audit.ThresholdsHash(thresholds())
	require.NoError(t, err)
	a, err := audit.InputChecksum(project(), used(), th)
	require.NoError(t, err)

	reversed := []contracts.LayerVersionUsed{used()[1], used()[0]}
	b, err := audit.InputChecksum(project(), reversed, th)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sha256:"))

	bumped := used()
	bumped[0].Version = "2.2.0"
	c, err := audit.InputChecksum(project(), bumped, th)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "a new layer version changes the checksum")

	p := project()
	p.Attributes["extraction_tpd"] = 1201.0
	d, err := audit.InputChecksum(p, used(), th)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	lowered := thresholds()
	lowered[0].Expression = "attrs.extraction_tpd >= 1000.0"
	th2, err := audit.ThresholdsHash(lowered)
	require.NoError(t, err)
	assert.NotEqual(t, th, th2)
	e, err := audit.InputChecksum(project(), used(), th2)
	require.NoError(t, err)
	assert.NotEqual(t, a, e, "scoring thresholds are part of the inputs")
}

func TestThresholdsHash_NilAndEmptyAgree(t *testing.T) {
	a, err := audit.ThresholdsHash(nil)
	require.NoError(t, err)
	b, err := audit.ThresholdsHash([]contracts.Threshold{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResultHash_IgnoresRunID(t *testing.T) {
	a, err := audit.ResultHash(result("run-a"))
	require.NoError(t, err)
	b, err := audit.ResultHash(result("run-b"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRecorder_BuildAndVerify(t *testing.T) {
	rec, err := audit.NewRecorder().Build(audit.Entry{
		RunID:          "run-1",
		Project:        project(),
		LayersUsed:     []contracts.LayerVersionUsed{used()[1], used()[0]},
		Result:         result("run-1"),
		RulesetVersion: "1.0.0",
		RulesetHash:    "sha256:abc",
		Profile:        "mining",
		Thresholds:     thresholds(),
		Timings:        contracts.Timings{Spatial: 12, Trigger: 1, Matrix: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "mining", rec.Profile)
	assert.Equal(t, thresholds(), rec.Thresholds)
	assert.NotEmpty(t, rec.ThresholdsHash)
	assert.Equal(t, "proj-1", rec.ProjectID)
	assert.Equal(t, "glaciers", rec.LayerVersionsUsed[0].LayerName)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, audit.Verify(rec, project(), result("run-1")))

	tampered := result("run-1")
	tampered.RecommendedPathway = contracts.PathwayEIA
	assert.ErrorIs(t, audit.Verify(rec, project(), tampered), audit.ErrChecksumMismatch)

	moved := project()
	moved.Geometry.Geometry = orb.Polygon{orb.Ring{{-71, -33}, {-70.9, -33}, {-70.9, -32.9}, {-71, -33}}}
	assert.ErrorIs(t, audit.Verify(rec, moved, result("run-1")), audit.ErrChecksumMismatch)

	assert.ErrorIs(t, audit.Verify(rec, project(), result("run-2")), audit.ErrChecksumMismatch)

	relaxed := rec
	relaxed.Thresholds = []contracts.Threshold{{Name: "extraction_capacity", Expression: "false", Weight: 0.35}}
	assert.ErrorIs(t, audit.Verify(relaxed, project(), result("run-1")), audit.ErrChecksumMismatch)
}

func TestRecorder_RejectsForeignResult(t *testing.T) {
	_, err := audit.NewRecorder().Build(audit.Entry{RunID: "run-1", Project: project(), Result: result("run-2")})
	assert.Error(t, err)
}

func TestJournal_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	j := audit.NewJournal(&buf)

	j.ObserveTransition(context.Background(), "run-1", contracts.Transition{From: contracts.RunPending, To: contracts.RunSpatialAnalysisRunning})

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))
	assert.Equal(t, audit.EventTransition, event.Type)
	assert.Equal(t, "SpatialAnalysisRunning", event.Action)
	assert.Equal(t, "Pending", event.Metadata["from"])
	assert.Equal(t, "run-1", event.RunID)
	assert.Len(t, event.ID, 36)
}

type runMap map[string]contracts.Run

func (m runMap) GetRun(_ context.Context, id string) (contracts.Run, error) {
	r, ok := m[id]
	if !ok {
		return contracts.Run{}, errors.New("not found")
	}
	return r, nil
}

func TestExporter_GeneratePack(t *testing.T) {
	rec, err := audit.NewRecorder().Build(audit.Entry{
		RunID: "run-1", Project: project(), LayersUsed: used(), Result: result("run-1"), RulesetVersion: "1.0.0",
	})
	require.NoError(t, err)

	runs := runMap{
		"run-1":   {RunID: "run-1", ProjectID: "proj-1", Mode: contracts.ModeFull, Project: project(), Result: result("run-1"), Audit: &rec},
		"quick-1": {RunID: "quick-1", Mode: contracts.ModeQuick, Project: project(), Result: result("quick-1")},
	}
	var journal bytes.Buffer
	exporter := audit.NewExporter(runs, audit.NewJournal(&journal))

	zipBytes, checksum, err := exporter.GeneratePack(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, checksum, 64)
	assert.Contains(t, journal.String(), `"type":"EXPORT"`)

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"run.json", "audit.json", "manifest.json", "README.txt"}, names)

	manifest, err := audit.VerifyPack(zipBytes)
	require.NoError(t, err)
	assert.Equal(t, "run-1", manifest.RunID)
	assert.Equal(t, rec.InputChecksum, manifest.InputChecksum)
	assert.Len(t, manifest.FileHashes, 3)
	assert.Len(t, manifest.MerkleRoot, 64)

	_, _, err = exporter.GeneratePack(context.Background(), "quick-1")
	assert.ErrorIs(t, err, audit.ErrNotAuditable)

	_, _, err = exporter.GeneratePack(context.Background(), "")
	assert.ErrorIs(t, err, audit.ErrEmptyRunID)

	_, _, err = audit.NewExporter(nil, nil).GeneratePack(context.Background(), "run-1")
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

func TestVerifyPack_DetectsTampering(t *testing.T) {
	rec, err := audit.NewRecorder().Build(audit.Entry{
		RunID: "run-1", Project: project(), LayersUsed: used(), Result: result("run-1"), RulesetVersion: "1.0.0",
	})
	require.NoError(t, err)
	runs := runMap{"run-1": {RunID: "run-1", ProjectID: "proj-1", Mode: contracts.ModeFull, Project: project(), Result: result("run-1"), Audit: &rec}}
	pack, _, err := audit.NewExporter(runs, nil).GeneratePack(context.Background(), "run-1")
	require.NoError(t, err)

	// rewrite copies every entry, replacing or dropping one.
	rewrite := func(target string, data []byte, drop bool) []byte {
		zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
		require.NoError(t, err)
		var out bytes.Buffer
		zw := zip.NewWriter(&out)
		for _, f := range zr.File {
			if f.Name == target && drop {
				continue
			}
			rc, err := f.Open()
			require.NoError(t, err)
			content, err := io.ReadAll(rc)
			require.NoError(t, err)
			_ = rc.Close()
			if f.Name == target {
				content = data
			}
			w, err := zw.Create(f.Name)
			require.NoError(t, err)
			_, err = w.Write(content)
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		return out.Bytes()
	}

	tests := []struct {
		name string
		pack []byte
	}{
		{"edited run", rewrite("run.json", []byte(`{"run_id":"run-1"}`), false)},
		{"missing audit", rewrite("audit.json", nil, true)},
		{"missing manifest", rewrite("manifest.json", nil, true)},
		{"not a zip", []byte("garbage")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audit.VerifyPack(tt.pack)
			assert.ErrorIs(t, err, audit.ErrPackCorrupt)
		})
	}
}
