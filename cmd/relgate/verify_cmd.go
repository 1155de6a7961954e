package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/mega-emu/relgate/pkg/keystore"
	"github.com/mega-emu/relgate/pkg/verify"
)

// runVerifyCmd implements `relgate verify <file>...`.
//
// Exit codes:
//
//	0 = every artifact Valid
//	1 = any artifact not Valid, or verification could not run
//	2 = usage error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		keyDir     string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to relgate.yaml")
	cmd.StringVar(&keyDir, "key-dir", "", "Key directory (default from configuration)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	paths := cmd.Args()
	if len(paths) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: relgate verify [flags] <file>...")
		return 2
	}
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}
	if keyDir == "" {
		keyDir = cfg.KeyDir
	}

	pub, keyID, err := keystore.NewStore(keyDir).LoadPublic()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (run 'relgate keys' first)\n", err)
		return 1
	}
	engine, err := newEngine(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	verifier := verify.NewVerifier(engine, pub, keyID, cfg.SaltLength,
		verify.WithSignatureSuffix(cfg.SignatureSuffix))
	items := verifier.VerifyAll(context.Background(), paths, cfg.Workers)

	if jsonOutput {
		return printVerifyJSON(stdout, items)
	}

	allValid := true
	for _, item := range items {
		switch {
		case item.Err != nil:
			_, _ = fmt.Fprintf(stdout, "❌ %s: error: %v\n", item.Path, item.Err)
			allValid = false
		case item.Result.Valid():
			_, _ = fmt.Fprintf(stdout, "✅ %s: valid\n", item.Result.Artifact)
		default:
			_, _ = fmt.Fprintf(stdout, "❌ %s: %s%s%s\n",
				item.Result.Artifact, ColorRed, item.Result.Outcome, ColorReset)
			if item.Result.Detail != "" {
				_, _ = fmt.Fprintf(stdout, "   %s%s%s\n", ColorGray, item.Result.Detail, ColorReset)
			}
			allValid = false
		}
	}
	if !allValid {
		return 1
	}
	return 0
}

func printVerifyJSON(stdout io.Writer, items []verify.BatchItem) int {
	type row struct {
		Path    string         `json:"path"`
		Outcome verify.Outcome `json:"outcome,omitempty"`
		Detail  string         `json:"detail,omitempty"`
		Error   string         `json:"error,omitempty"`
	}
	rows := make([]row, 0, len(items))
	allValid := true
	for _, item := range items {
		r := row{Path: item.Path}
		if item.Err != nil {
			r.Error = item.Err.Error()
			allValid = false
		} else {
			r.Outcome = item.Result.Outcome
			r.Detail = item.Result.Detail
			if !item.Result.Valid() {
				allValid = false
			}
		}
		rows = append(rows, r)
	}
	data, _ := json.MarshalIndent(rows, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	if !allValid {
		return 1
	}
	return 0
}
