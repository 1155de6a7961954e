package channel

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/mega-emu/relgate/pkg/config"
)

type fakeS3 struct {
	existing map[string]bool
	puts     []string
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.existing[*in.Key] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, errors.New("NotFound")
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if in.Body == nil {
		return nil, errors.New("missing body")
	}
	f.puts = append(f.puts, *in.Key)
	return &s3.PutObjectOutput{}, nil
}

func newTestS3(fake *fakeS3, prefix string) *S3 {
	return &S3{client: fake, bucket: "releases", prefix: prefix, logger: slog.Default()}
}

func TestS3PublishUploadsMissingObjects(t *testing.T) {
	fake := &fakeS3{existing: map[string]bool{}}
	mirror := newTestS3(fake, "mega")

	dir := t.TempDir()
	art := Artifact{
		Path:  writeTempFile(t, dir, "demo.tar.gz", "bytes"),
		Name:  "demo.tar.gz",
		Extra: []string{writeTempFile(t, dir, "demo.tar.gz.sha256", "aa  demo.tar.gz\n")},
	}
	require.NoError(t, mirror.Publish(context.Background(), Release{Version: "1.2.0"}, art))
	require.Equal(t, []string{"mega/1.2.0/demo.tar.gz", "mega/1.2.0/demo.tar.gz.sha256"}, fake.puts)
}

func TestS3PublishSkipsExistingObjects(t *testing.T) {
	fake := &fakeS3{existing: map[string]bool{
		"1.2.0/demo.tar.gz": true,
	}}
	mirror := newTestS3(fake, "")

	dir := t.TempDir()
	art := Artifact{Path: writeTempFile(t, dir, "demo.tar.gz", "bytes"), Name: "demo.tar.gz"}
	require.NoError(t, mirror.Publish(context.Background(), Release{Version: "1.2.0"}, art))
	require.Empty(t, fake.puts)
}

func TestS3PublishFailsOnMissingFile(t *testing.T) {
	fake := &fakeS3{existing: map[string]bool{}}
	mirror := newTestS3(fake, "")

	art := Artifact{Path: "/nonexistent/demo.tar.gz", Name: "demo.tar.gz"}
	err := mirror.Publish(context.Background(), Release{Version: "1.2.0"}, art)
	require.Error(t, err)
	require.Empty(t, fake.puts)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), config.S3Config{Region: "us-east-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bucket is required")
}
