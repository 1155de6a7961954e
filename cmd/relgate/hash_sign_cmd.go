package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/mega-emu/relgate/pkg/config"
	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/journal"
	"github.com/mega-emu/relgate/pkg/keystore"
	"github.com/mega-emu/relgate/pkg/signing"
)

// runHashCmd implements `relgate hash <file>...`: digest artifacts and
// persist sidecar files next to them.
func runHashCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to relgate.yaml")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	paths := cmd.Args()
	if len(paths) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: relgate hash [flags] <file>...")
		return 2
	}
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}

	engine, err := newEngine(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	j := openJournal(ctx, cfg)
	defer func() { _ = j.Close() }()

	results := engine.DigestAll(ctx, paths, cfg.Workers)
	failed := false
	for _, path := range paths {
		r := results[path]
		if r.Err != nil {
			_, _ = fmt.Fprintf(stdout, "❌ %s: %v\n", path, r.Err)
			failed = true
			continue
		}
		if err := hashing.WriteSidecars(r.Set, path, engine.Algorithms()); err != nil {
			_, _ = fmt.Fprintf(stdout, "❌ %s: %v\n", path, err)
			failed = true
			continue
		}
		journalHashed(ctx, j, "", path, r.Set)
		_, _ = fmt.Fprintf(stdout, "✅ %s\n", hashing.ArtifactName(path))
		for _, alg := range engine.Algorithms() {
			_, _ = fmt.Fprintf(stdout, "   %s%-6s %s%s\n", ColorGray, alg, r.Set.Hex(alg), ColorReset)
		}
	}
	if failed {
		return 1
	}
	return 0
}

// runSignCmd implements `relgate sign <file>...`: hash, sign, and
// persist sidecars plus the signature envelope. Signing implies
// hashing so the envelope always matches the sidecars beside it.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		keyDir     string
	)
	cmd.StringVar(&configPath, "config", "", "Path to relgate.yaml")
	cmd.StringVar(&keyDir, "key-dir", "", "Key directory (default from configuration)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	paths := cmd.Args()
	if len(paths) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: relgate sign [flags] <file>...")
		return 2
	}
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}
	if keyDir == "" {
		keyDir = cfg.KeyDir
	}

	pair, err := keystore.NewStore(keyDir).Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (run 'relgate keys' first)\n", err)
		return 1
	}
	engine, err := newEngine(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer := signing.NewSigner(pair, cfg.SaltLength)

	ctx := context.Background()
	j := openJournal(ctx, cfg)
	defer func() { _ = j.Close() }()

	results := engine.DigestAll(ctx, paths, cfg.Workers)
	failed := false
	for _, path := range paths {
		r := results[path]
		if r.Err != nil {
			_, _ = fmt.Fprintf(stdout, "❌ %s: %v\n", path, r.Err)
			failed = true
			continue
		}
		if err := signArtifact(cfg, signer, path, r.Set); err != nil {
			_, _ = fmt.Fprintf(stdout, "❌ %s: %v\n", path, err)
			failed = true
			continue
		}
		journalHashed(ctx, j, "", path, r.Set)
		journalSigned(ctx, j, "", path, pair.ID)
		_, _ = fmt.Fprintf(stdout, "✅ signed %s %s(key %s)%s\n",
			hashing.ArtifactName(path), ColorGray, pair.ID, ColorReset)
	}
	if failed {
		return 1
	}
	return 0
}

func newEngine(cfg config.Config) (*hashing.Engine, error) {
	algorithms, err := hashing.Parse(cfg.Algorithms)
	if err != nil {
		return nil, err
	}
	return hashing.NewEngine(algorithms), nil
}

func signArtifact(cfg config.Config, signer *signing.Signer, path string, set hashing.DigestSet) error {
	algorithms, err := hashing.Parse(cfg.Algorithms)
	if err != nil {
		return err
	}
	if err := hashing.WriteSidecars(set, path, algorithms); err != nil {
		return err
	}
	env, err := signer.Sign(set)
	if err != nil {
		return err
	}
	return signing.WriteEnvelopeFile(path+cfg.SignatureSuffix, env)
}

// openJournal never fails the pipeline; an unreachable journal backend
// degrades to the in-memory one with a note on stderr handled by the
// caller's config validation.
func openJournal(ctx context.Context, cfg config.Config) journal.Journal {
	j, err := journal.Open(ctx, cfg.Journal.Backend, cfg.Journal.DSN)
	if err != nil {
		return journal.NewMemory()
	}
	return j
}

func journalHashed(ctx context.Context, j journal.Journal, release, path string, set hashing.DigestSet) {
	_, _ = j.Append(ctx, journal.EntryArtifactHashed, release, map[string]any{
		"artifact": hashing.ArtifactName(path),
		"sha256":   set.Hex(hashing.SHA256),
		"sha512":   set.Hex(hashing.SHA512),
	})
}

func journalSigned(ctx context.Context, j journal.Journal, release, path, keyID string) {
	_, _ = j.Append(ctx, journal.EntryArtifactSigned, release, map[string]any{
		"artifact": hashing.ArtifactName(path),
		"key_id":   keyID,
	})
}
