package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ignacio1972/mineria-sub003/pkg/engine"
)

// runVerifyCmd implements `screening verify`.
//
// Exit codes:
//
//	0 = run re-derives to the stored hashes
//	1 = mismatch detected
//	2 = runtime error
func runVerifyCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID      string
		jsonOutput bool
	)
	cmd.StringVar(&runID, "run", "", "Run ID to verify (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if runID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --run is required")
		return exitError
	}

	a, err := openApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = a.Close() }()

	report, err := a.engine.VerifyRun(ctx, runID)
	if err != nil {
		return fail(stderr, err)
	}

	code := exitOK
	if !report.OK() {
		code = exitMismatch
	}
	if jsonOutput {
		if writeJSON(stdout, report) != exitOK {
			return exitError
		}
		return code
	}

	fmt.Fprintf(stdout, "%sVerify %s%s (rule set %s)\n", ColorBold, report.RunID, ColorReset, report.RulesetVersion)
	printCheck(stdout, "input checksum", report.ChecksumsMatch)
	printCheck(stdout, "rule set", report.RulesetMatch)
	printCheck(stdout, "evidence", report.EvidenceMatch)
	printCheck(stdout, "result", report.ResultMatch)
	for _, m := range report.Mismatches {
		fmt.Fprintf(stdout, "  %s- %s%s\n", ColorRed, m, ColorReset)
	}
	return code
}

func printCheck(w io.Writer, name string, ok bool) {
	if ok {
		fmt.Fprintf(w, "  %s✓%s %s\n", ColorGreen, ColorReset, name)
		return
	}
	fmt.Fprintf(w, "  %s✗%s %s\n", ColorRed, ColorReset, name)
}

// runCompareCmd implements `screening compare`.
func runCompareCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compare", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runA, runB string
		jsonOutput bool
	)
	cmd.StringVar(&runA, "a", "", "Earlier run ID (REQUIRED)")
	cmd.StringVar(&runB, "b", "", "Later run ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the comparison as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if runA == "" || runB == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --a and --b are required")
		return exitError
	}

	a, err := openApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = a.Close() }()

	c, err := a.engine.CompareRuns(ctx, runA, runB)
	if err != nil {
		return fail(stderr, err)
	}
	if jsonOutput {
		return writeJSON(stdout, c)
	}
	printComparison(stdout, c)
	return exitOK
}

func printComparison(w io.Writer, c engine.Comparison) {
	fmt.Fprintf(w, "%s%s -> %s%s\n", ColorBold, c.RunA, c.RunB, ColorReset)
	fmt.Fprintf(w, "  Pathway:     %s -> %s\n", c.PathwayA, c.PathwayB)
	fmt.Fprintf(w, "  Confidence:  %.2f (%s) -> %.2f (%s)\n", c.ConfidenceA, c.BandA, c.ConfidenceB, c.BandB)
	fmt.Fprintf(w, "  Inputs changed: %v, rule set changed: %v\n", c.InputsChanged, c.RulesetChanged)
	for _, lc := range c.LiteralChanges {
		fmt.Fprintf(w, "  literal %s: %s -> %s\n", lc.Literal, lc.From, lc.To)
	}
	for _, lc := range c.LayerChanges {
		fmt.Fprintf(w, "  layer %s: %s -> %s", lc.Layer, lc.FromVersion, lc.ToVersion)
		if lc.FromDegraded != lc.ToDegraded {
			fmt.Fprintf(w, " (degraded %v -> %v)", lc.FromDegraded, lc.ToDegraded)
		}
		fmt.Fprintln(w)
	}
}

// runRunsCmd implements `screening runs`.
func runRunsCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("runs", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		projectID  string
		jsonOutput bool
	)
	cmd.StringVar(&projectID, "project", "", "Project ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output runs as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if projectID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --project is required")
		return exitError
	}

	a, err := openApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = a.Close() }()

	runs, err := a.engine.ListRuns(ctx, projectID)
	if err != nil {
		return fail(stderr, err)
	}
	if jsonOutput {
		return writeJSON(stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintf(stdout, "No stored runs for project %s\n", projectID)
		return exitOK
	}
	for _, r := range runs {
		fmt.Fprintf(stdout, "%s  %s  %-3s  %.2f %-6s  rule set %s\n",
			r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), r.RunID,
			r.Result.RecommendedPathway, r.Result.Confidence, r.Result.ConfidenceBand, r.Result.RulesetVersion)
	}
	return exitOK
}

// runExportCmd implements `screening export`.
//
// Exit codes:
//
//	0 = pack written
//	2 = runtime error
func runExportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var runID, outPath string
	cmd.StringVar(&runID, "run", "", "Run ID to export (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path for the zip pack (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if runID == "" || outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --run and --out are required")
		return exitError
	}

	a, err := openApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = a.Close() }()

	pack, sum, err := a.engine.ExportRun(ctx, runID)
	if err != nil {
		return fail(stderr, err)
	}
	if err := os.WriteFile(outPath, pack, 0600); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "%s✓%s Exported %s to %s (sha256 %s)\n", ColorGreen, ColorReset, runID, outPath, sum)
	return exitOK
}
