// Command screening runs environmental pre-screening classifications and
// inspects the stored, append-only run history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Exit codes.
const (
	exitOK       = 0
	exitMismatch = 1 // verification or chain check failed
	exitError    = 2 // usage or runtime error
)

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "analyze":
		return runAnalyzeCmd(ctx, args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(ctx, args[2:], stdout, stderr)
	case "compare":
		return runCompareCmd(ctx, args[2:], stdout, stderr)
	case "runs":
		return runRunsCmd(ctx, args[2:], stdout, stderr)
	case "export":
		return runExportCmd(ctx, args[2:], stdout, stderr)
	case "layers":
		return runLayersCmd(ctx, args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(ctx, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitError
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sEnvironmental pre-screening%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sDIA or EIA, with the evidence to show why.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  screening <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "CLASSIFICATION")
	printCommand(w, "analyze", "Classify a project (--request, --full, --json)")

	printSection(w, "HISTORY & AUDIT")
	printCommand(w, "runs", "List stored runs of a project (--project, --json)")
	printCommand(w, "verify", "Re-derive a stored run and compare hashes (--run, --json)")
	printCommand(w, "compare", "Diff two stored runs (--a, --b, --json)")
	printCommand(w, "export", "Write a zip evidence pack for a run (--run, --out)")

	printSection(w, "UTILITIES")
	printCommand(w, "layers", "Show the current reference layer versions")
	printCommand(w, "doctor", "Check configuration, stores and the audit chain")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sConfiguration comes from SCREENING_CONFIG (YAML) and SCREENING_* variables.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError
	}
	return exitOK
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
	return exitError
}
