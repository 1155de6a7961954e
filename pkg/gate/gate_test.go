package gate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mega-emu/relgate/pkg/channel"
	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/journal"
	"github.com/mega-emu/relgate/pkg/keystore"
	"github.com/mega-emu/relgate/pkg/lock"
	"github.com/mega-emu/relgate/pkg/signing"
	"github.com/mega-emu/relgate/pkg/verify"
)

type fakeChannel struct {
	name   string
	failOn string // artifact name that refuses to upload

	mu        sync.Mutex
	published []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Publish(_ context.Context, _ channel.Release, art channel.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && art.Name == f.failOn {
		return errors.New("upload refused")
	}
	f.published = append(f.published, art.Name)
	return nil
}

func (f *fakeChannel) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

// pipeline bundles a fresh key with the hash engine, signer and
// verifier built over it.
type pipeline struct {
	engine   *hashing.Engine
	signer   *signing.Signer
	verifier *verify.Verifier
	dir      string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	id, err := keystore.KeyID(&priv.PublicKey)
	require.NoError(t, err)
	pair := &keystore.KeyPair{Private: priv, Public: &priv.PublicKey, ID: id}
	engine := hashing.NewEngine(nil)
	return &pipeline{
		engine:   engine,
		signer:   signing.NewSigner(pair, signing.DefaultSaltLength),
		verifier: verify.NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength),
		dir:      t.TempDir(),
	}
}

func (p *pipeline) signedArtifact(t *testing.T, name string) channel.Artifact {
	t.Helper()
	path := filepath.Join(p.dir, name)
	data := make([]byte, 256)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	set, err := p.engine.Digest(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, hashing.WriteSidecars(set, path, p.engine.Algorithms()))
	env, err := p.signer.Sign(set)
	require.NoError(t, err)
	require.NoError(t, signing.WriteEnvelopeFile(path+".sig", env))

	return channel.Artifact{
		Path: path,
		Name: name,
		Extra: []string{
			hashing.SidecarPath(path, hashing.SHA256),
			hashing.SidecarPath(path, hashing.SHA512),
			path + ".sig",
		},
	}
}

func tamper(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func countByType(entries []journal.Entry) map[journal.EntryType]int {
	counts := make(map[journal.EntryType]int)
	for _, e := range entries {
		counts[e.Type]++
	}
	return counts
}

func TestRunPublishesCleanBatch(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{
		p.signedArtifact(t, "linux.tar.gz"),
		p.signedArtifact(t, "windows.zip"),
	}
	gh := &fakeChannel{name: "github"}
	s3 := &fakeChannel{name: "s3"}
	j := journal.NewMemory()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	g := New(p.verifier, []channel.Channel{gh, s3},
		WithJournal(j), WithWorkers(2), WithClock(func() time.Time { return now }))

	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.NoError(t, err)

	assert.Equal(t, DecisionPublished, res.Decision)
	assert.Equal(t, "1.2.0", res.Version)
	assert.Len(t, res.ReleaseID, 36)
	assert.Len(t, res.Checked, 2)
	assert.Empty(t, res.Failures)
	assert.Equal(t, now, res.StartedAt)
	assert.Equal(t, now, res.FinishedAt)

	assert.Equal(t, []string{"linux.tar.gz", "windows.zip"}, gh.names())
	assert.Equal(t, []string{"linux.tar.gz", "windows.zip"}, s3.names())
	assert.Len(t, res.Published, 4)

	entries, err := j.List(context.Background(), journal.Filter{})
	require.NoError(t, err)
	counts := countByType(entries)
	assert.Equal(t, 2, counts[journal.EntryVerification])
	assert.Equal(t, 4, counts[journal.EntryChannelPublish])
	assert.Equal(t, 1, counts[journal.EntryGateDecision])
	require.NoError(t, j.VerifyChain(context.Background()))
}

func TestRunBlocksWholeBatchOnOneBadArtifact(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{
		p.signedArtifact(t, "a.tar.gz"),
		p.signedArtifact(t, "b.tar.gz"),
		p.signedArtifact(t, "c.tar.gz"),
	}
	tamper(t, arts[1].Path)

	gh := &fakeChannel{name: "github"}
	s3 := &fakeChannel{name: "s3"}
	j := journal.NewMemory()
	g := New(p.verifier, []channel.Channel{gh, s3}, WithJournal(j))

	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, res.Decision)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b.tar.gz", res.Failures[0].Artifact)
	assert.Equal(t, verify.OutcomeHashMismatch, res.Failures[0].Outcome)
	assert.Len(t, res.Checked, 3)

	// All or nothing: not a single upload anywhere.
	assert.Empty(t, gh.names())
	assert.Empty(t, s3.names())
	assert.Empty(t, res.Published)

	entries, err := j.List(context.Background(), journal.Filter{Type: journal.EntryChannelPublish})
	require.NoError(t, err)
	assert.Empty(t, entries)

	decisions, err := j.List(context.Background(), journal.Filter{Type: journal.EntryGateDecision})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "blocked", decisions[0].Payload["decision"])
}

func TestRunBlocksOnMissingMetadata(t *testing.T) {
	p := newPipeline(t)
	signed := p.signedArtifact(t, "a.tar.gz")

	bare := filepath.Join(p.dir, "unsigned.zip")
	require.NoError(t, os.WriteFile(bare, []byte("zip"), 0o644))

	gh := &fakeChannel{name: "github"}
	g := New(p.verifier, []channel.Channel{gh})

	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"},
		[]channel.Artifact{signed, {Path: bare, Name: "unsigned.zip"}})
	require.NoError(t, err)

	assert.Equal(t, DecisionBlocked, res.Decision)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, verify.OutcomeMissingMetadata, res.Failures[0].Outcome)
	assert.Empty(t, gh.names())
}

func TestRunAbortsOnVerifyError(t *testing.T) {
	p := newPipeline(t)
	art := p.signedArtifact(t, "a.tar.gz")
	require.NoError(t, os.Remove(art.Path))

	gh := &fakeChannel{name: "github"}
	g := New(p.verifier, []channel.Channel{gh})

	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, []channel.Artifact{art})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Nil(t, res)
	assert.Empty(t, gh.names())
}

func TestRunPublishFailureReturnsPartialResult(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{
		p.signedArtifact(t, "a.tar.gz"),
		p.signedArtifact(t, "b.zip"),
	}
	gh := &fakeChannel{name: "github"}
	s3 := &fakeChannel{name: "s3", failOn: "b.zip"}
	j := journal.NewMemory()
	g := New(p.verifier, []channel.Channel{gh, s3}, WithJournal(j))

	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish b.zip to s3")

	// No rollback: the uploads that finished stay recorded.
	require.NotNil(t, res)
	assert.Equal(t, []Publication{
		{Channel: "github", Artifact: "a.tar.gz"},
		{Channel: "github", Artifact: "b.zip"},
		{Channel: "s3", Artifact: "a.tar.gz"},
	}, res.Published)

	entries, err := j.List(context.Background(), journal.Filter{Type: journal.EntryChannelPublish})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunRoutesByPolicy(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{
		p.signedArtifact(t, "a.tar.gz"),
		p.signedArtifact(t, "b.zip"),
	}
	gh := &fakeChannel{name: "github"}
	s3 := &fakeChannel{name: "s3"}

	router, err := NewRouter(`channel == "github" || artifact.name.endsWith(".tar.gz")`)
	require.NoError(t, err)

	g := New(p.verifier, []channel.Channel{gh, s3}, WithRouter(router))
	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.NoError(t, err)

	assert.Equal(t, DecisionPublished, res.Decision)
	assert.Equal(t, []string{"a.tar.gz", "b.zip"}, gh.names())
	assert.Equal(t, []string{"a.tar.gz"}, s3.names())
}

func TestRunPolicyErrorBlocksEverything(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{p.signedArtifact(t, "a.tar.gz")}
	gh := &fakeChannel{name: "github"}

	router, err := NewRouter(`1 + 2`)
	require.NoError(t, err)

	g := New(p.verifier, []channel.Channel{gh}, WithRouter(router))
	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Empty(t, gh.names())
}

func TestRunHonorsReleaseLock(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{p.signedArtifact(t, "a.tar.gz")}
	gh := &fakeChannel{name: "github"}

	l := lock.NewMemory()
	unlock, err := l.Acquire(context.Background(), "release:9.9.9", time.Minute)
	require.NoError(t, err)

	g := New(p.verifier, []channel.Channel{gh}, WithLock(l, time.Minute))
	_, err = g.Run(context.Background(), channel.Release{Version: "9.9.9"}, arts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrHeld))
	assert.Empty(t, gh.names())

	require.NoError(t, unlock(context.Background()))
	res, err := g.Run(context.Background(), channel.Release{Version: "9.9.9"}, arts)
	require.NoError(t, err)
	assert.Equal(t, DecisionPublished, res.Decision)
}

// flakyChannel fails the first failUntil publish attempts, then
// succeeds. retrySafe controls what IdempotentPublish reports.
type flakyChannel struct {
	name      string
	failUntil int
	retrySafe bool

	mu        sync.Mutex
	attempts  int
	published []string
}

func (f *flakyChannel) Name() string            { return f.name }
func (f *flakyChannel) IdempotentPublish() bool { return f.retrySafe }

func (f *flakyChannel) Publish(_ context.Context, _ channel.Release, art channel.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failUntil {
		return errors.New("transient upload failure")
	}
	f.published = append(f.published, art.Name)
	return nil
}

func TestRunRetriesIdempotentChannel(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{p.signedArtifact(t, "a.tar.gz")}
	s3 := &flakyChannel{name: "s3", failUntil: 1, retrySafe: true}

	g := New(p.verifier, []channel.Channel{s3}, WithPublishRetries(2))
	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.NoError(t, err)

	assert.Equal(t, DecisionPublished, res.Decision)
	assert.Equal(t, 2, s3.attempts)
	assert.Equal(t, []Publication{{Channel: "s3", Artifact: "a.tar.gz"}}, res.Published)
}

func TestRunDoesNotRetryNonIdempotentChannel(t *testing.T) {
	p := newPipeline(t)
	arts := []channel.Artifact{p.signedArtifact(t, "a.tar.gz")}
	gh := &flakyChannel{name: "github", failUntil: 1, retrySafe: false}

	g := New(p.verifier, []channel.Channel{gh}, WithPublishRetries(2))
	res, err := g.Run(context.Background(), channel.Release{Version: "1.2.0"}, arts)
	require.Error(t, err)

	assert.Equal(t, 1, gh.attempts)
	require.NotNil(t, res)
	assert.Empty(t, res.Published)
}
