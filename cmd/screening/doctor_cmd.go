package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"runtime"

	"github.com/Ignacio1972/mineria-sub003/pkg/layers"
)

// runLayersCmd implements `screening layers`.
func runLayersCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("layers", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output layers as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	a, err := openApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = a.Close() }()

	current, missing, err := currentLayers(ctx, a.layers)
	if err != nil {
		return fail(stderr, err)
	}
	if jsonOutput {
		return writeJSON(stdout, map[string]any{"layers": current, "missing": missing})
	}

	for _, l := range current {
		eff := "-"
		if !l.EffectiveDate.IsZero() {
			eff = l.EffectiveDate.Format("2006-01-02")
		}
		fmt.Fprintf(stdout, "  %-22s %-12s effective %s  %d features\n", l.Name, l.Version, eff, l.FeatureCount)
	}
	for _, name := range missing {
		fmt.Fprintf(stdout, "  %s%-22s not published%s\n", ColorYellow, name, ColorReset)
	}
	return exitOK
}

// currentLayers resolves the current version of every standard layer.
// Layers the store does not know are returned by name.
func currentLayers(ctx context.Context, s layers.Store) ([]layers.ReferenceLayer, []string, error) {
	var (
		current []layers.ReferenceLayer
		missing []string
	)
	for _, name := range layers.StandardLayers {
		l, err := s.GetLayer(ctx, name)
		switch {
		case err == nil:
			current = append(current, l)
		case errors.Is(err, layers.ErrLayerNotFound):
			missing = append(missing, name)
		default:
			return nil, nil, err
		}
	}
	return current, missing, nil
}

// runDoctorCmd implements `screening doctor`.
//
// Exit codes:
//
//	0 = every check passed (warnings allowed)
//	1 = at least one check failed
func runDoctorCmd(ctx context.Context, stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true
	add := func(name, status, detail string) {
		results = append(results, checkResult{Name: name, Status: status, Detail: detail})
		if status == "fail" {
			allOK = false
		}
	}

	add("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	a, err := openApp(ctx, stderr)
	if err != nil {
		add("startup", "fail", err.Error())
	} else {
		defer func() { _ = a.Close() }()

		if a.cfg.LiteMode() {
			add("run_store", "ok", "sqlite at "+a.cfg.SQLitePath())
		} else {
			add("run_store", "ok", "postgres")
		}

		if err := a.engine.VerifyChain(ctx); err != nil {
			add("audit_chain", "fail", err.Error())
		} else {
			add("audit_chain", "ok", "hash chain intact")
		}

		rs := a.engine.RuleSet()
		add("ruleset", "ok", fmt.Sprintf("%s (%s)", rs.Version, rs.Hash()[:12]))

		_, missing, err := currentLayers(ctx, a.layers)
		switch {
		case err != nil:
			add("layers", "fail", err.Error())
		case len(missing) > 0:
			add("layers", "warn", fmt.Sprintf("not published: %v", missing))
		default:
			add("layers", "ok", fmt.Sprintf("%d layers published", len(layers.StandardLayers)))
		}

		if a.cfg.TelemetryEnabled() {
			add("telemetry", "ok", "exporting to "+a.cfg.OTLPEndpoint)
		} else {
			add("telemetry", "warn", "SCREENING_OTLP_ENDPOINT not set (telemetry disabled)")
		}
	}

	fmt.Fprintf(stdout, "\n%sScreening Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintln(stdout, "────────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		return exitOK
	}
	return exitMismatch
}
