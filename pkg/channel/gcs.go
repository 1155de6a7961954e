//go:build gcp

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"cloud.google.com/go/storage"

	"github.com/mega-emu/relgate/pkg/config"
)

// GCS mirrors release files into a Cloud Storage bucket under
// <prefix>/<version>/. The client authenticates with application
// default credentials.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func newGCSFromConfig(ctx context.Context, cfg config.GCSConfig) (Channel, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("channel: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel: gcs client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: slog.Default().With("component", "channel.gcs"),
	}, nil
}

func (g *GCS) Name() string { return "gcs" }

// IdempotentPublish reports retry safety; existing objects are skipped.
func (g *GCS) IdempotentPublish() bool { return true }

func (g *GCS) Publish(ctx context.Context, rel Release, art Artifact) error {
	for _, p := range art.Files() {
		if err := g.putFile(ctx, rel.Version, p, displayName(art, p)); err != nil {
			return err
		}
	}
	return nil
}

func (g *GCS) putFile(ctx context.Context, version, localPath, name string) error {
	obj := g.client.Bucket(g.bucket).Object(path.Join(g.prefix, version, name))
	if _, err := obj.Attrs(ctx); err == nil {
		g.logger.DebugContext(ctx, "object already present", "bucket", g.bucket, "object", obj.ObjectName())
		return nil
	}

	f, err := os.Open(localPath) //nolint:gosec // G304: paths come from the operator's own release directory.
	if err != nil {
		return fmt.Errorf("channel: gcs open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("channel: gcs write %s: %w", obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("channel: gcs close %s: %w", obj.ObjectName(), err)
	}
	return nil
}
