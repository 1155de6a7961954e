package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mega-emu/relgate/pkg/channel"
	"github.com/mega-emu/relgate/pkg/config"
	"github.com/mega-emu/relgate/pkg/gate"
	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/journal"
	"github.com/mega-emu/relgate/pkg/keystore"
	"github.com/mega-emu/relgate/pkg/lock"
	"github.com/mega-emu/relgate/pkg/manifest"
	"github.com/mega-emu/relgate/pkg/observability"
	"github.com/mega-emu/relgate/pkg/signing"
	"github.com/mega-emu/relgate/pkg/verify"
)

// runReleaseCmd implements `relgate release`, the full pipeline for
// one version: lock, hash and sign every artifact, write the signed
// manifest, then hand the batch to the gate, which re-verifies from
// disk and publishes all-or-nothing.
func runReleaseCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("release", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath  string
		dir         string
		version     string
		channelsCSV string
		title       string
		tag         string
		notesFile   string
		dryRun      bool
		jsonOutput  bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to relgate.yaml")
	cmd.StringVar(&dir, "dir", "", "Directory containing the release artifacts (REQUIRED)")
	cmd.StringVar(&version, "version", "", "Release version, semver (REQUIRED)")
	cmd.StringVar(&channelsCSV, "channels", "", "Comma-separated channels (REQUIRED unless --dry-run)")
	cmd.StringVar(&title, "title", "", "Release title (defaults to the tag)")
	cmd.StringVar(&tag, "tag", "", "VCS tag (defaults to v<version>)")
	cmd.StringVar(&notesFile, "notes-file", "", "File with release notes")
	cmd.BoolVar(&dryRun, "dry-run", false, "Sign, verify, and journal, but publish nothing")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the gate result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" || version == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir and --version are required")
		cmd.Usage()
		return 2
	}
	if channelsCSV == "" && !dryRun {
		_, _ = fmt.Fprintln(stderr, "Error: --channels is required (or use --dry-run)")
		return 2
	}
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}

	paths, err := collectArtifacts(dir, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(paths) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: no artifacts found in %s\n", dir)
		return 1
	}

	notes := ""
	if notesFile != "" {
		data, err := os.ReadFile(notesFile) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		notes = string(data)
	}

	ctx := context.Background()

	// One release per version at a time, across processes when the
	// redis backend is configured.
	locker, err := lock.New(cfg.Lock.Backend, cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	unlock, err := locker.Acquire(ctx, "release:"+version, cfg.Lock.TTL())
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			_, _ = fmt.Fprintf(stderr, "Error: a release of %s is already in flight\n", version)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	defer func() { _ = unlock(context.Background()) }()

	j, err := journal.Open(ctx, cfg.Journal.Backend, cfg.Journal.DSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = j.Close() }()

	obs, err := observability.New(ctx, obsConfig(cfg))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: observability disabled: %v\n", err)
		obs = nil
	}
	if obs != nil {
		defer func() { _ = obs.Shutdown(context.Background()) }()
	}

	pair, err := keystore.NewStore(cfg.KeyDir).Load()
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
	verifier := verify.NewVerifier(engine, pair.Public, pair.ID, cfg.SaltLength,
		verify.WithSignatureSuffix(cfg.SignatureSuffix))

	builder, err := manifest.NewBuilder(version, pair.ID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	// Hash and sign everything up front. The gate re-verifies from disk,
	// so anything that goes wrong between here and publish still blocks.
	_, _ = fmt.Fprintf(stdout, "Signing %d artifacts in %s %s(key %s)%s\n",
		len(paths), dir, ColorGray, pair.ID, ColorReset)
	results := engine.DigestAll(ctx, paths, cfg.Workers)
	for _, path := range paths {
		r := results[path]
		if r.Err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", path, r.Err)
			return 1
		}
		if err := signArtifact(cfg, signer, path, r.Set); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			return 1
		}
		journalHashed(ctx, j, version, path, r.Set)
		journalSigned(ctx, j, version, path, pair.ID)
		if err := builder.AddFile(path, r.Set); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	m := builder.Build()
	manifestPath := manifest.Path(dir, version)
	if err := m.WriteFile(manifestPath); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	env, err := m.Sign(signer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	manifestSig := manifestPath + cfg.SignatureSuffix
	if err := signing.WriteEnvelopeFile(manifestSig, env); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Wrote manifest %s\n", manifestPath)

	var chans []channel.Channel
	if !dryRun {
		chans, err = buildChannels(ctx, channelsCSV, cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	router, err := gate.NewRouter(cfg.ChannelPolicy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	g := gate.New(verifier, chans,
		gate.WithJournal(j),
		gate.WithRouter(router),
		gate.WithWorkers(cfg.Workers),
		gate.WithPublishTimeout(cfg.PublishTimeout()),
		gate.WithObservability(obs),
	)

	rel := channel.Release{Version: version, Tag: tag, Title: title, Notes: notes}
	res, err := g.Run(ctx, rel, artifactList(paths, engine, cfg, manifestPath, manifestSig))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if res != nil && len(res.Published) > 0 {
			_, _ = fmt.Fprintln(stderr, "Uploads completed before the failure (left in place):")
			for _, p := range res.Published {
				_, _ = fmt.Fprintf(stderr, "  - %s to %s\n", p.Artifact, p.Channel)
			}
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		if res.Decision != gate.DecisionPublished {
			return 1
		}
		return 0
	}

	if res.Decision == gate.DecisionBlocked {
		_, _ = fmt.Fprintf(stdout, "❌ Release %s %sBLOCKED%s, nothing was published\n",
			version, ColorRed+ColorBold, ColorReset)
		for _, f := range res.Failures {
			_, _ = fmt.Fprintf(stdout, "  - %s: %s%s%s %s\n",
				f.Artifact, ColorRed, f.Outcome, ColorReset, f.Detail)
		}
		return 1
	}

	if dryRun {
		_, _ = fmt.Fprintf(stdout, "✅ Release %s verified: %d artifacts %s(dry run, nothing published)%s\n",
			version, len(paths), ColorGray, ColorReset)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "✅ Release %s published: %d artifacts, %d uploads across %d channels\n",
		version, len(paths), len(res.Published), len(chans))
	return 0
}

// collectArtifacts lists the distributable files in dir, skipping
// hidden files and pipeline metadata (sidecars, envelopes, manifests).
func collectArtifacts(dir string, cfg config.Config) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || isMetadataFile(name, cfg) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

func isMetadataFile(name string, cfg config.Config) bool {
	if strings.HasSuffix(name, cfg.SignatureSuffix) {
		return true
	}
	for _, alg := range cfg.Algorithms {
		if strings.HasSuffix(name, "."+alg) {
			return true
		}
	}
	return strings.HasPrefix(name, "release-") && strings.Contains(name, ".manifest.json")
}

func artifactList(paths []string, engine *hashing.Engine, cfg config.Config, manifestPath, manifestSig string) []channel.Artifact {
	arts := make([]channel.Artifact, 0, len(paths))
	for _, p := range paths {
		extra := make([]string, 0, len(engine.Algorithms())+1)
		for _, alg := range engine.Algorithms() {
			extra = append(extra, hashing.SidecarPath(p, alg))
		}
		extra = append(extra, p+cfg.SignatureSuffix)
		arts = append(arts, channel.Artifact{Path: p, Name: hashing.ArtifactName(p), Extra: extra})
	}
	// The manifest pair rides with the first artifact's upload set, so
	// it is only published when the whole batch passes.
	if len(arts) > 0 {
		arts[0].Extra = append(arts[0].Extra, manifestPath, manifestSig)
	}
	return arts
}

func buildChannels(ctx context.Context, csv string, cfg config.Config) ([]channel.Channel, error) {
	var chans []channel.Channel
	seen := make(map[string]bool)
	for _, raw := range strings.Split(csv, ",") {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		ch, err := channel.New(ctx, name, cfg.Channels)
		if err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 {
		return nil, errors.New("no channels selected")
	}
	return chans, nil
}

func obsConfig(cfg config.Config) *observability.Config {
	c := observability.DefaultConfig()
	c.ServiceVersion = appVersion
	c.Enabled = cfg.Observability.Enabled
	if cfg.Observability.Endpoint != "" {
		c.OTLPEndpoint = cfg.Observability.Endpoint
	}
	if cfg.Observability.SampleRate > 0 {
		c.SampleRate = cfg.Observability.SampleRate
	}
	c.Insecure = cfg.Observability.Insecure
	return c
}
