// Package channel implements the publication targets a release can be
// pushed to. The set of channels is closed: github, sourceforge and
// itch for downloads, s3 and gcs as mirrors. New targets are added
// here, not discovered at runtime.
package channel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mega-emu/relgate/pkg/config"
)

var ErrUnknownChannel = errors.New("channel: unknown channel")

// Release identifies the release a publish belongs to.
type Release struct {
	Version string
	Tag     string // defaults to "v" + Version when empty
	Title   string
	Notes   string
}

// TagName returns the VCS tag for the release.
func (r Release) TagName() string {
	if r.Tag != "" {
		return r.Tag
	}
	return "v" + r.Version
}

// Artifact is one file to publish, together with the digest and
// signature files that accompany it.
type Artifact struct {
	Path  string   // artifact on disk
	Name  string   // display name, NFC normalized
	Extra []string // sidecar digest and signature file paths
}

// Files returns every local path the artifact contributes, the
// artifact itself first.
func (a Artifact) Files() []string {
	out := make([]string, 0, 1+len(a.Extra))
	out = append(out, a.Path)
	out = append(out, a.Extra...)
	return out
}

// Channel publishes one artifact of a release to a single target.
// Publish is called only after every artifact in the batch verified.
type Channel interface {
	Name() string
	Publish(ctx context.Context, rel Release, art Artifact) error
}

// Idempotent is the optional capability of a Channel whose Publish can
// be repeated for the same release and artifact without creating
// duplicates. The gate retries those publishes on transient failure;
// everything else fails the batch on the first error.
type Idempotent interface {
	IdempotentPublish() bool
}

// Known lists the closed set of channel names.
func Known() []string {
	return []string{"github", "sourceforge", "itch", "s3", "gcs"}
}

// New builds the named channel from configuration.
func New(ctx context.Context, name string, cfg config.ChannelConfig) (Channel, error) {
	switch name {
	case "github":
		return NewGitHub(cfg.GitHub)
	case "sourceforge":
		return NewSourceForge(cfg.SourceForge)
	case "itch":
		return NewItch(cfg.Itch)
	case "s3":
		return NewS3(ctx, cfg.S3)
	case "gcs":
		return newGCSFromConfig(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("%w: %q (known: github, sourceforge, itch, s3, gcs)", ErrUnknownChannel, name)
	}
}

// displayName returns the upload name for any file belonging to an
// artifact: the artifact keeps its NFC name, metadata files keep their
// base name.
func displayName(art Artifact, path string) string {
	if path == art.Path && art.Name != "" {
		return art.Name
	}
	return filepath.Base(path)
}
