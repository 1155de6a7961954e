//go:build !gcp

package channel

import (
	"context"
	"errors"

	"github.com/mega-emu/relgate/pkg/config"
)

func newGCSFromConfig(_ context.Context, _ config.GCSConfig) (Channel, error) {
	return nil, errors.New("channel: gcs support is not enabled in this build (use -tags gcp)")
}
