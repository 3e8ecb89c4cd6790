package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ignacio1972/mineria-sub003/pkg/audit"
	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/engine"
	"github.com/Ignacio1972/mineria-sub003/pkg/layers"
)

var screeningEnv = []string{
	"SCREENING_CONFIG", "SCREENING_DATABASE_URL", "SCREENING_RULESET", "SCREENING_PROFILES",
	"SCREENING_LAYER_SOURCE", "SCREENING_LAYER_DIR", "SCREENING_REDIS_URL", "SCREENING_OTLP_ENDPOINT",
	"SCREENING_RUN_TIMEOUT", "SCREENING_LAYER_TIMEOUT", "SCREENING_LOG_LEVEL", "SCREENING_LOG_FORMAT",
}

const glacierSnapshot = `{"type":"FeatureCollection","features":[
 {"type":"Feature","id":"G-1","geometry":{"type":"Polygon","coordinates":[[[-69.95,-32.95],[-69.75,-32.95],[-69.75,-32.75],[-69.95,-32.75],[-69.95,-32.95]]]},"properties":{}}
]}`

const emptySnapshot = `{"type":"FeatureCollection","features":[]}`

const miningRequest = `{
  "project_id": "proj-cli",
  "project_type": "mining",
  "geometry": {
    "type": "Polygon",
    "coordinates": [[[-70, -33], [-69.9, -33], [-69.9, -32.9], [-70, -32.9], [-70, -33]]]
  },
  "attributes": {"extraction_tpd": 1200}
}`

// setupWorkspace points the CLI at a fresh data dir with every standard
// layer published at 2024.1.0 and returns the path of a request file.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	for _, k := range screeningEnv {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Setenv("SCREENING_DATA_DIR", dir)
	t.Setenv("SCREENING_LOG_LEVEL", "ERROR")

	layerDir := filepath.Join(dir, "layers")
	catalog := "layers:\n"
	for _, name := range layers.StandardLayers {
		object := name + "/2024.1.0.geojson"
		catalog += "  - name: " + name + "\n    version: 2024.1.0\n    effective_date: \"2024-01-01\"\n    object: " + object + "\n"
		content := emptySnapshot
		if name == layers.Glaciers {
			content = glacierSnapshot
		}
		writeFile(t, filepath.Join(layerDir, object), content)
	}
	writeFile(t, filepath.Join(layerDir, layers.CatalogFile), catalog)

	req := filepath.Join(dir, "request.json")
	writeFile(t, req, miningRequest)
	return req
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"screening"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func analyzeFull(t *testing.T, req string) contracts.Run {
	t.Helper()
	code, out, errOut := run("analyze", "--request", req, "--full", "--json")
	require.Equal(t, exitOK, code, errOut)
	var r contracts.Run
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	return r
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "analyze")
	assert.Contains(t, out, "export")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("classify")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "Unknown command: classify")

	code, _, _ = run()
	assert.Equal(t, exitError, code)
}

func TestRun_MissingFlags(t *testing.T) {
	for _, args := range [][]string{
		{"analyze"},
		{"verify"},
		{"compare", "--a", "x"},
		{"runs"},
		{"export", "--run", "x"},
	} {
		code, _, _ := run(args...)
		assert.Equal(t, exitError, code, "%v", args)
	}
}

func TestAnalyze_Quick(t *testing.T) {
	req := setupWorkspace(t)

	code, out, errOut := run("analyze", "--request", req)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "EIA")
	assert.Contains(t, out, "quick")
	assert.NotContains(t, out, "Audit:")

	code, out, _ = run("runs", "--project", "proj-cli")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "No stored runs", "quick runs are never persisted")
}

func TestAnalyze_InvalidRequest(t *testing.T) {
	setupWorkspace(t)
	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, `{"project_id": "p", "project_type": "mining", "geometry": {"type": "Point", "coordinates": [0, 0]}}`)

	code, _, errOut := run("analyze", "--request", bad)
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, engine.ErrInvalidRequest.Error())
}

func TestAnalyze_FullThenHistory(t *testing.T) {
	req := setupWorkspace(t)

	first := analyzeFull(t, req)
	assert.Equal(t, contracts.RunCompleted, first.State)
	assert.Equal(t, contracts.PathwayEIA, first.Result.RecommendedPathway)
	require.NotNil(t, first.Audit)
	assert.NotEmpty(t, first.Audit.RecordHash)
	second := analyzeFull(t, req)

	t.Run("runs", func(t *testing.T) {
		code, out, errOut := run("runs", "--project", "proj-cli", "--json")
		require.Equal(t, exitOK, code, errOut)
		var runs []contracts.Run
		require.NoError(t, json.Unmarshal([]byte(out), &runs))
		require.Len(t, runs, 2)
		assert.Equal(t, first.RunID, runs[0].RunID)
		assert.Equal(t, second.RunID, runs[1].RunID)
	})

	t.Run("verify", func(t *testing.T) {
		code, out, errOut := run("verify", "--run", first.RunID, "--json")
		require.Equal(t, exitOK, code, errOut)
		var report engine.VerifyReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.OK())
		assert.Equal(t, first.Audit.InputChecksum, report.InputChecksum)
	})

	t.Run("compare", func(t *testing.T) {
		code, out, errOut := run("compare", "--a", first.RunID, "--b", second.RunID, "--json")
		require.Equal(t, exitOK, code, errOut)
		var c engine.Comparison
		require.NoError(t, json.Unmarshal([]byte(out), &c))
		assert.False(t, c.InputsChanged)
		assert.False(t, c.PathwayChanged)
		assert.Empty(t, c.LiteralChanges)
		assert.Empty(t, c.LayerChanges)
	})

	t.Run("export", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "pack.zip")
		code, stdout, errOut := run("export", "--run", first.RunID, "--out", out)
		require.Equal(t, exitOK, code, errOut)
		assert.Contains(t, stdout, "Exported")

		pack, err := os.ReadFile(out)
		require.NoError(t, err)
		manifest, err := audit.VerifyPack(pack)
		require.NoError(t, err)
		assert.Equal(t, first.RunID, manifest.RunID)
		assert.Contains(t, manifest.FileHashes, "run.json")
	})

	t.Run("unknown run", func(t *testing.T) {
		code, _, errOut := run("verify", "--run", "no-such-run")
		assert.Equal(t, exitError, code)
		assert.Contains(t, errOut, "run not found")
	})
}

func TestLayers(t *testing.T) {
	setupWorkspace(t)

	code, out, errOut := run("layers", "--json")
	require.Equal(t, exitOK, code, errOut)
	var got struct {
		Layers  []layers.ReferenceLayer `json:"layers"`
		Missing []string                `json:"missing"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got.Layers, len(layers.StandardLayers))
	assert.Empty(t, got.Missing)
	for _, l := range got.Layers {
		assert.Equal(t, "2024.1.0", l.Version)
		if l.Name == layers.Glaciers {
			assert.Equal(t, 1, l.FeatureCount)
		}
	}
}

func TestDoctor(t *testing.T) {
	req := setupWorkspace(t)
	analyzeFull(t, req)

	code, out, errOut := run("doctor")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "audit_chain")
	assert.Contains(t, out, "hash chain intact")
	assert.Contains(t, out, "All checks passed")
}

func TestDoctor_BadConfig(t *testing.T) {
	setupWorkspace(t)
	t.Setenv("SCREENING_LAYER_SOURCE", "s3")

	code, out, _ := run("doctor")
	assert.Equal(t, exitMismatch, code)
	assert.Contains(t, out, "startup")
}
