package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mega-emu/relgate/pkg/journal"
	"github.com/mega-emu/relgate/pkg/keystore"
)

// runKeysCmd implements `relgate keys`, the signing pair generator.
//
// Refuses to overwrite existing key material unless --force is given;
// a silently replaced signing key would orphan every signature made
// with the old one.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		dir        string
		force      bool
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to relgate.yaml")
	cmd.StringVar(&dir, "dir", "", "Key directory (default from configuration)")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing key pair")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadConfig(configPath, stderr)
	if !ok {
		return 2
	}
	if dir == "" {
		dir = cfg.KeyDir
	}

	store := keystore.NewStore(dir)
	if !force {
		if _, err := os.Stat(store.PrivatePath()); err == nil {
			_, _ = fmt.Fprintf(stderr, "Error: %s already exists (use --force to replace it)\n", store.PrivatePath())
			return 1
		}
	}

	pair, err := store.Generate()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: key generation failed: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if j, err := journal.Open(ctx, cfg.Journal.Backend, cfg.Journal.DSN); err == nil {
		_, _ = j.Append(ctx, journal.EntryKeyGenerated, "", map[string]any{
			"key_id": pair.ID,
			"dir":    dir,
		})
		_ = j.Close()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"key_id":      pair.ID,
			"dir":         dir,
			"private_key": store.PrivatePath(),
			"public_key":  store.PublicPath(),
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "✅ Generated 4096-bit RSA signing pair in %s\n", dir)
	_, _ = fmt.Fprintf(stdout, "Key ID: %s%s%s\n", ColorBold, pair.ID, ColorReset)
	return 0
}
