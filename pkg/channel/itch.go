package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mega-emu/relgate/pkg/config"
)

// Itch shells out to butler, the upload tool itch.io ships. Butler
// performs its own delta patching and integrity checks, so only the
// artifact itself goes up; sidecars and envelopes stay with the other
// channels.
type Itch struct {
	cfg    config.ItchConfig
	logger *slog.Logger
	runner itchRunner
}

type itchRunner func(ctx context.Context, name string, args, env []string) ([]byte, error)

func NewItch(cfg config.ItchConfig) (*Itch, error) {
	if cfg.Target == "" {
		return nil, errors.New("channel: itch target is required (user/game)")
	}
	if cfg.Token == "" {
		return nil, errors.New("channel: itch api token is required")
	}
	return &Itch{
		cfg:    cfg,
		logger: slog.Default().With("component", "channel.itch"),
		runner: runButler,
	}, nil
}

func (i *Itch) Name() string { return "itch" }

func (i *Itch) Publish(ctx context.Context, rel Release, art Artifact) error {
	binary := i.cfg.ButlerPath
	if binary == "" {
		binary = "butler"
	}
	args := []string{
		"push", art.Path,
		i.cfg.Target + ":" + butlerChannel(displayName(art, art.Path)),
		"--userversion", rel.Version,
	}
	env := append(os.Environ(), "BUTLER_API_KEY="+i.cfg.Token)

	out, err := i.runner(ctx, binary, args, env)
	if err != nil {
		return fmt.Errorf("channel: itch push %s: %w: %s", art.Path, err, strings.TrimSpace(string(out)))
	}
	i.logger.InfoContext(ctx, "pushed build", "target", i.cfg.Target, "version", rel.Version)
	return nil
}

func runButler(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: binary and arguments come from configuration, not remote input.
	cmd.Env = env
	return cmd.CombinedOutput()
}

// butlerChannel derives an itch.io channel name from an artifact file
// name: archive suffixes drop and anything outside [a-z0-9] collapses
// to single dashes.
func butlerChannel(name string) string {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".tar.gz", ".tar.xz", ".tgz", ".zip", ".7z", ".dmg", ".appimage"} {
		if strings.HasSuffix(lower, suffix) {
			lower = strings.TrimSuffix(lower, suffix)
			break
		}
	}
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
