package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mega-emu/relgate/pkg/config"
)

const appVersion = "0.2.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand. It exists apart from main so tests
// can drive the CLI with captured output.
//
// Exit codes across all subcommands:
//
//	0 = success / everything Valid
//	1 = operational failure (bad artifact, blocked release, missing keys)
//	2 = usage error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "keys":
		return runKeysCmd(args[2:], stdout, stderr)
	case "hash":
		return runHashCmd(args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "release":
		return runReleaseCmd(args[2:], stdout, stderr)
	case "journal":
		return runJournalCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "relgate %s\n", appVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
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
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%srelgate %s%s\n", ColorBold+ColorBlue, appVersion, ColorReset)
	_, _ = fmt.Fprintf(w, "%sNothing ships unverified.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  relgate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "PIPELINE")
	printCommand(w, "hash", "Digest artifacts and write sidecar files")
	printCommand(w, "sign", "Hash and sign artifacts (writes sidecars + envelope)")
	printCommand(w, "verify", "Verify artifacts against digests and signature")
	printCommand(w, "release", "Gate a release: sign, verify, manifest, publish")

	printSection(w, "KEYS & AUDIT")
	printCommand(w, "keys", "Generate the RSA signing pair (--force to rotate)")
	printCommand(w, "journal", "Inspect the audit journal (list/verify)")

	printSection(w, "UTILITIES")
	printCommand(w, "init", "Scaffold key and output directories")
	printCommand(w, "doctor", "Check keys, journal, and channel configuration")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig resolves configuration: an explicit --config path beats
// RELGATE_CONFIG, which beats plain environment defaults.
func loadConfig(path string, stderr io.Writer) (config.Config, bool) {
	if path == "" {
		path = os.Getenv("RELGATE_CONFIG")
	}
	if path == "" {
		return config.Load(), true
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}
