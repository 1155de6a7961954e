package verify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/keystore"
	"github.com/mega-emu/relgate/pkg/signing"
)

func generatePair(t *testing.T, bits int) *keystore.KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	id, err := keystore.KeyID(&priv.PublicKey)
	require.NoError(t, err)
	return &keystore.KeyPair{Private: priv, Public: &priv.PublicKey, ID: id}
}

func writeArtifact(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func signAndPersist(t *testing.T, engine *hashing.Engine, signer *signing.Signer, path string) {
	t.Helper()
	set, err := engine.Digest(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, hashing.WriteSidecars(set, path, engine.Algorithms()))
	env, err := signer.Sign(set)
	require.NoError(t, err)
	require.NoError(t, signing.WriteEnvelopeFile(path+".sig", env))
}

func TestRoundTripAndTamper(t *testing.T) {
	// End-to-end scenario: 1024 random bytes, fresh 4096-bit key.
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 1024)
	pair := generatePair(t, 4096)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)

	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.True(t, res.Valid())
	assert.Equal(t, "demo.tar.gz", res.Artifact)

	// Append a single byte; the stored metadata now describes different
	// bytes. sha256 is first in canonical order, so it reports.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err = verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHashMismatch, res.Outcome)
	assert.Equal(t, hashing.SHA256, res.Algorithm)
	assert.False(t, res.Valid())
}

func TestHashMismatchReportsLaterAlgorithm(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)

	// Corrupt only the stored sha512 line; sha256 still matches, so the
	// mismatch surfaces on the second algorithm.
	bogus := hex.EncodeToString(make([]byte, 64))
	require.NoError(t, os.WriteFile(path+".sha512", []byte(bogus+"  demo.tar.gz\n"), 0o644))

	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHashMismatch, res.Outcome)
	assert.Equal(t, hashing.SHA512, res.Algorithm)
}

func TestKeyMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	signerPair := generatePair(t, 2048)
	otherPair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(signerPair, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)

	// Digests match; the signature was made by a different identity.
	verifier := NewVerifier(engine, otherPair.Public, otherPair.ID, signing.DefaultSaltLength)
	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignatureInvalid, res.Outcome)
	assert.Contains(t, res.Detail, signerPair.ID)
	assert.Contains(t, res.Detail, otherPair.ID)
}

func TestKeyMismatchSameID(t *testing.T) {
	// Force the crypto path: the envelope's key ID is made to match so
	// only VerifyPSS can reject.
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	signerPair := generatePair(t, 2048)
	otherPair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(signerPair, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)

	verifier := NewVerifier(engine, otherPair.Public, signerPair.ID, signing.DefaultSaltLength)
	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignatureInvalid, res.Outcome)
	assert.Contains(t, res.Detail, "rsa-pss")
}

func TestMissingSignature(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	set, err := engine.Digest(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, hashing.WriteSidecars(set, path, engine.Algorithms()))

	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	// Absent metadata is its own outcome, never SignatureInvalid.
	assert.Equal(t, OutcomeMissingMetadata, res.Outcome)
}

func TestMissingDigests(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	set, err := engine.Digest(context.Background(), path)
	require.NoError(t, err)
	env, err := signer.Sign(set)
	require.NoError(t, err)
	require.NoError(t, signing.WriteEnvelopeFile(path+".sig", env))

	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingMetadata, res.Outcome)
}

func TestCorruptEnvelope(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)
	require.NoError(t, os.WriteFile(path+".sig", []byte("garbage"), 0o644))

	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSignatureInvalid, res.Outcome)
}

func TestMalformedSidecarIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)
	require.NoError(t, os.WriteFile(path+".sha256", []byte("not-hex demo.tar.gz\n"), 0o644))

	_, err := verifier.Verify(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hashing.ErrSidecarMalformed))
}

func TestUnreadableArtifactIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 256)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	signAndPersist(t, engine, signer, path)
	require.NoError(t, os.Remove(path))

	_, err := verifier.Verify(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFailClosedWithoutKey(t *testing.T) {
	verifier := NewVerifier(hashing.NewEngine(nil), nil, "", signing.DefaultSaltLength)
	_, err := verifier.Verify(context.Background(), "whatever.tar.gz")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPublicKey))
}

func TestClockInjection(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir, "demo.tar.gz", 64)
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength,
		WithClock(func() time.Time { return fixed }))

	signAndPersist(t, engine, signer, path)

	res, err := verifier.Verify(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, fixed, res.CheckedAt)
}

func TestVerifyAll(t *testing.T) {
	dir := t.TempDir()
	pair := generatePair(t, 2048)
	engine := hashing.NewEngine(nil)
	signer := signing.NewSigner(pair, signing.DefaultSaltLength)
	verifier := NewVerifier(engine, pair.Public, pair.ID, signing.DefaultSaltLength)

	good1 := writeArtifact(t, dir, "a.tar.gz", 128)
	good2 := writeArtifact(t, dir, "b.tar.gz", 128)
	tampered := writeArtifact(t, dir, "c.tar.gz", 128)
	for _, p := range []string{good1, good2, tampered} {
		signAndPersist(t, engine, signer, p)
	}
	require.NoError(t, os.WriteFile(tampered, []byte("different bytes entirely"), 0o644))
	missing := filepath.Join(dir, "d.tar.gz")

	items := verifier.VerifyAll(context.Background(), []string{good1, good2, tampered, missing}, 2)
	require.Len(t, items, 4)

	assert.Equal(t, OutcomeValid, items[0].Result.Outcome)
	assert.Equal(t, OutcomeValid, items[1].Result.Outcome)
	assert.Equal(t, OutcomeHashMismatch, items[2].Result.Outcome)
	assert.Equal(t, hashing.SHA256, items[2].Result.Algorithm)
	// The fourth artifact has no metadata at all.
	assert.NoError(t, items[3].Err)
	assert.Equal(t, OutcomeMissingMetadata, items[3].Result.Outcome)
}
