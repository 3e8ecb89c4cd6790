package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
	"github.com/Ignacio1972/mineria-sub003/pkg/engine"
)

// runAnalyzeCmd implements `screening analyze`.
//
// The request is a JSON document (see engine.DecodeRequest); "-" reads it
// from stdin. --full overrides the mode in the request.
//
// Exit codes:
//
//	0 = classification produced
//	2 = invalid request or run failed
func runAnalyzeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("analyze", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		requestPath string
		full        bool
		jsonOutput  bool
	)
	cmd.StringVar(&requestPath, "request", "", "Path to the request JSON, or - for stdin (REQUIRED)")
	cmd.BoolVar(&full, "full", false, "Run a full analysis with audit record and persistence")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the run as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if requestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request is required")
		return exitError
	}

	var in io.Reader = os.Stdin
	if requestPath != "-" {
		f, err := os.Open(requestPath)
		if err != nil {
			return fail(stderr, err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	req, err := engine.DecodeRequest(in)
	if err != nil {
		return fail(stderr, err)
	}
	if full {
		req.Mode = contracts.ModeFull
	}

	a, err := openApp(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = a.Close() }()

	ls, err := a.engine.LayerSetFor(req.Project.Type)
	if err != nil {
		return fail(stderr, err)
	}
	run, err := a.engine.Analyze(ctx, req.Project, ls, req.Mode)
	if err != nil {
		return fail(stderr, err)
	}

	if jsonOutput {
		return writeJSON(stdout, run)
	}
	printRun(stdout, run)
	return exitOK
}

func printRun(w io.Writer, run contracts.Run) {
	r := run.Result
	color := ColorGreen
	if r.RecommendedPathway == contracts.PathwayEIA {
		color = ColorYellow
	}
	fmt.Fprintf(w, "%sRun %s%s (%s, project %s)\n", ColorBold, run.RunID, ColorReset, run.Mode, run.ProjectID)
	fmt.Fprintf(w, "  Pathway:     %s%s%s\n", ColorBold+color, r.RecommendedPathway, ColorReset)
	fmt.Fprintf(w, "  Confidence:  %.2f (%s)\n", r.Confidence, r.ConfidenceBand)
	fmt.Fprintf(w, "  Score:       %.3f\n", r.Score)
	fmt.Fprintf(w, "  Rule set:    %s\n", r.RulesetVersion)
	if r.Degraded {
		fmt.Fprintf(w, "  %sDegraded:    %v%s\n", ColorYellow, r.DegradedLayers, ColorReset)
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sEvidence:%s\n", ColorBold+ColorCyan, ColorReset)
	for _, ev := range run.Evidence {
		marker := ""
		if ev.Degraded {
			marker = " [degraded]"
		}
		fmt.Fprintf(w, "  %s  %-15s %s%s\n", ev.Literal, ev.State, ev.Rationale, marker)
	}

	if len(r.ContributingFactors) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintf(w, "%sFactors:%s\n", ColorBold+ColorCyan, ColorReset)
		for _, f := range r.ContributingFactors {
			fmt.Fprintf(w, "  %-24s weight %.3f  value %.3f\n", f.Factor, f.Weight, f.Value)
		}
	}

	if run.Audit != nil {
		fmt.Fprintln(w, "")
		fmt.Fprintf(w, "%sAudit:%s\n", ColorBold+ColorCyan, ColorReset)
		fmt.Fprintf(w, "  Input checksum: %s\n", run.Audit.InputChecksum)
		fmt.Fprintf(w, "  Record:         #%d %s\n", run.Audit.Sequence, run.Audit.RecordHash)
	}
}
