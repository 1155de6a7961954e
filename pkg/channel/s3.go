package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mega-emu/relgate/pkg/config"
)

// s3API is the slice of the S3 client the mirror uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 mirrors release files into a bucket under <prefix>/<version>/.
// Objects that already exist are left alone, so re-running a publish
// is idempotent.
type S3 struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("channel: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("channel: s3 aws config: %w", err)
	}

	// BaseEndpoint plus path style covers MinIO and LocalStack.
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: slog.Default().With("component", "channel.s3"),
	}, nil
}

func (s *S3) Name() string { return "s3" }

// IdempotentPublish reports retry safety; existing objects are skipped.
func (s *S3) IdempotentPublish() bool { return true }

func (s *S3) Publish(ctx context.Context, rel Release, art Artifact) error {
	for _, p := range art.Files() {
		if err := s.putFile(ctx, rel.Version, p, displayName(art, p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) putFile(ctx context.Context, version, localPath, name string) error {
	key := s.objectKey(version, name)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		s.logger.DebugContext(ctx, "object already present", "bucket", s.bucket, "key", key)
		return nil
	}

	f, err := os.Open(localPath) //nolint:gosec // G304: paths come from the operator's own release directory.
	if err != nil {
		return fmt.Errorf("channel: s3 open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("channel: s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3) objectKey(version, name string) string {
	return path.Join(s.prefix, version, name)
}
