package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/mega-emu/relgate/pkg/journal"
	"github.com/mega-emu/relgate/pkg/keystore"
)

// runDoctorCmd implements `relgate doctor`, the environment health check.
//
// Exit codes:
//
//	0 = no failed checks (warnings allowed)
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to relgate.yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}

	type checkResult struct {
		Name   string
		Status string // "ok", "warn", "fail"
		Detail string
	}
	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	store := keystore.NewStore(cfg.KeyDir)
	if _, keyID, err := store.LoadPublic(); err != nil {
		results = append(results, checkResult{
			Name:   "signing_keys",
			Status: "warn",
			Detail: fmt.Sprintf("no usable key pair in %s (run 'relgate keys')", cfg.KeyDir),
		})
	} else {
		results = append(results, checkResult{Name: "signing_keys", Status: "ok", Detail: "key id " + keyID})

		// An exposed private key is a hard failure, not a warning.
		if info, err := os.Stat(store.PrivatePath()); err == nil {
			if info.Mode().Perm()&0o077 != 0 {
				results = append(results, checkResult{
					Name:   "key_permissions",
					Status: "fail",
					Detail: fmt.Sprintf("%s is %v, want 0600", store.PrivatePath(), info.Mode().Perm()),
				})
				allOK = false
			} else {
				results = append(results, checkResult{Name: "key_permissions", Status: "ok", Detail: "private key is 0600"})
			}
		}
	}

	ctx := context.Background()
	if j, err := journal.Open(ctx, cfg.Journal.Backend, cfg.Journal.DSN); err != nil {
		results = append(results, checkResult{
			Name:   "journal",
			Status: "fail",
			Detail: fmt.Sprintf("%s backend: %v", cfg.Journal.Backend, err),
		})
		allOK = false
	} else {
		detail := cfg.Journal.Backend + " backend reachable"
		status := "ok"
		if err := j.VerifyChain(ctx); err != nil {
			detail = fmt.Sprintf("hash chain broken: %v", err)
			status = "fail"
			allOK = false
		}
		results = append(results, checkResult{Name: "journal", Status: status, Detail: detail})
		_ = j.Close()
	}

	// Channel credentials. Unconfigured is a warning; the release
	// command refuses an unconfigured channel at runtime anyway.
	gh := cfg.Channels.GitHub
	if gh.Owner != "" && gh.Repo != "" && (gh.Token != "" || gh.AppID != "") {
		results = append(results, checkResult{Name: "channel_github", Status: "ok", Detail: gh.Owner + "/" + gh.Repo})
	} else {
		results = append(results, checkResult{Name: "channel_github", Status: "warn", Detail: "not configured"})
	}

	sf := cfg.Channels.SourceForge
	if sf.Project != "" && sf.Username != "" && (sf.Password != "" || sf.KeyPath != "") {
		results = append(results, checkResult{Name: "channel_sourceforge", Status: "ok", Detail: "project " + sf.Project})
	} else {
		results = append(results, checkResult{Name: "channel_sourceforge", Status: "warn", Detail: "not configured"})
	}

	itch := cfg.Channels.Itch
	if itch.Target != "" && itch.Token != "" {
		binary := itch.ButlerPath
		if binary == "" {
			binary = "butler"
		}
		if _, err := exec.LookPath(binary); err != nil {
			results = append(results, checkResult{Name: "channel_itch", Status: "warn", Detail: binary + " not found in PATH"})
		} else {
			results = append(results, checkResult{Name: "channel_itch", Status: "ok", Detail: "target " + itch.Target})
		}
	} else {
		results = append(results, checkResult{Name: "channel_itch", Status: "warn", Detail: "not configured"})
	}

	if cfg.Channels.S3.Bucket != "" {
		results = append(results, checkResult{Name: "channel_s3", Status: "ok", Detail: "bucket " + cfg.Channels.S3.Bucket})
	} else {
		results = append(results, checkResult{Name: "channel_s3", Status: "warn", Detail: "not configured"})
	}
	if cfg.Channels.GCS.Bucket != "" {
		results = append(results, checkResult{Name: "channel_gcs", Status: "ok", Detail: "bucket " + cfg.Channels.GCS.Bucket})
	} else {
		results = append(results, checkResult{Name: "channel_gcs", Status: "warn", Detail: "not configured"})
	}

	_, _ = fmt.Fprintf(stdout, "\n%srelgate doctor%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintln(stdout, "──────────────")
	for _, r := range results {
		icon := "✅"
		switch r.Status {
		case "warn":
			icon = "⚠️ "
		case "fail":
			icon = "❌"
		}
		_, _ = fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		_, _ = fmt.Fprintf(stdout, "\n%sAll checks passed. Nothing ships unverified.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}

// runInitCmd implements `relgate init [dir]`, the project scaffold.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	keyDir := filepath.Join(dir, "security", "keys")
	for _, d := range []string{keyDir, filepath.Join(dir, "dist")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot create %s: %v\n", d, err)
			return 1
		}
	}

	configPath := filepath.Join(dir, "relgate.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		skeleton := `# relgate configuration
key_dir: security/keys
salt_length: 64
workers: 4
journal:
  backend: sqlite
  dsn: relgate-journal.db
lock:
  backend: memory
channels:
  github:
    owner: ""
    repo: ""
  sourceforge:
    project: ""
    username: ""
  itch:
    target: ""
`
		if err := os.WriteFile(configPath, []byte(skeleton), 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", configPath, err)
			return 1
		}
	}

	_, _ = fmt.Fprintf(stdout, "Initialized relgate project in %s\n", dir)
	_, _ = fmt.Fprintf(stdout, "Next: relgate keys --dir %s\n", keyDir)
	return 0
}
