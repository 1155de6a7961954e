// Package verify checks release artifacts against their persisted
// digests and signature before distribution.
//
// Trust model: the verifier trusts exactly one public key, loaded from
// the keystore. Stored digests and signatures are untrusted input;
// digests are recomputed from the artifact bytes and compared before
// any signature check runs, so a cheap mismatch short-circuits the
// asymmetric crypto.
//
// Verification-logic failures are never errors: Verify returns a typed
// Result for them and reserves its error return for infrastructure
// failures such as an unreadable artifact or malformed stored digests.
package verify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/signing"
)

// Outcome is the closed verdict set for one artifact.
type Outcome string

const (
	OutcomeValid            Outcome = "valid"
	OutcomeHashMismatch     Outcome = "hash_mismatch"
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeMissingMetadata  Outcome = "missing_metadata"
)

// ErrNoPublicKey means the verifier was built without a key (fail-closed).
var ErrNoPublicKey = errors.New("verify: no public key loaded (fail-closed)")

// Result is the transient judgment for one artifact. It is created per
// verification call and never persisted.
type Result struct {
	Artifact  string            `json:"artifact"`
	Path      string            `json:"path"`
	Outcome   Outcome           `json:"outcome"`
	Algorithm hashing.Algorithm `json:"algorithm,omitempty"` // set for hash_mismatch
	Detail    string            `json:"detail,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Valid reports whether the artifact may be distributed.
func (r Result) Valid() bool { return r.Outcome == OutcomeValid }

// BatchItem pairs a Result with the infrastructure error that produced
// it, if any. Verification verdicts live in Result; Err is only set
// when the artifact could not be judged at all.
type BatchItem struct {
	Path   string
	Result Result
	Err    error
}

// Verifier checks artifacts against one public key.
type Verifier struct {
	engine     *hashing.Engine
	pub        *rsa.PublicKey
	keyID      string
	saltLength int
	sigSuffix  string
	clock      func() time.Time
}

// Option tweaks verifier construction.
type Option func(*Verifier)

// WithClock overrides the timestamp source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) { v.clock = clock }
}

// WithSignatureSuffix overrides the default ".sig" envelope suffix.
func WithSignatureSuffix(suffix string) Option {
	return func(v *Verifier) {
		if suffix != "" {
			v.sigSuffix = suffix
		}
	}
}

// NewVerifier builds a verifier over engine's canonical algorithm set.
func NewVerifier(engine *hashing.Engine, pub *rsa.PublicKey, keyID string, saltLength int, opts ...Option) *Verifier {
	v := &Verifier{
		engine:     engine,
		pub:        pub,
		keyID:      keyID,
		saltLength: saltLength,
		sigSuffix:  ".sig",
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify judges one artifact:
//
//  1. Load stored digests and signature envelope; either absent means
//     MissingMetadata and nothing else runs.
//  2. Recompute the DigestSet from the artifact bytes.
//  3. Compare per algorithm in canonical order; first mismatch wins.
//  4. Check the envelope's key ID, then the RSA-PSS signature over the
//     raw sha512 digest bytes.
func (v *Verifier) Verify(ctx context.Context, artifactPath string) (Result, error) {
	res := Result{
		Artifact:  hashing.ArtifactName(artifactPath),
		Path:      artifactPath,
		CheckedAt: v.clock(),
	}
	if v.pub == nil {
		return res, ErrNoPublicKey
	}

	algorithms := v.engine.Algorithms()

	stored, err := hashing.ReadSidecars(artifactPath, algorithms)
	if err != nil {
		if errors.Is(err, hashing.ErrSidecarMissing) {
			res.Outcome = OutcomeMissingMetadata
			res.Detail = err.Error()
			return res, nil
		}
		return res, err
	}

	env, err := signing.ReadEnvelopeFile(artifactPath + v.sigSuffix)
	if err != nil {
		switch {
		case errors.Is(err, signing.ErrEnvelopeMissing):
			res.Outcome = OutcomeMissingMetadata
			res.Detail = err.Error()
			return res, nil
		case errors.Is(err, signing.ErrBadEnvelope):
			// Present but unreadable as an envelope: the signature is
			// there and it does not verify.
			res.Outcome = OutcomeSignatureInvalid
			res.Detail = err.Error()
			return res, nil
		default:
			return res, err
		}
	}

	computed, err := v.engine.Digest(ctx, artifactPath)
	if err != nil {
		return res, err
	}

	for _, alg := range algorithms {
		if computed[alg] != stored[alg] {
			res.Outcome = OutcomeHashMismatch
			res.Algorithm = alg
			res.Detail = fmt.Sprintf("%s digest mismatch: stored %s, computed %s",
				alg, shortHex(stored[alg]), shortHex(computed[alg]))
			return res, nil
		}
	}

	sha512Hex := computed.Hex(hashing.SHA512)
	if sha512Hex == "" {
		return res, fmt.Errorf("verify: digest set has no sha512 member for %s", res.Artifact)
	}
	raw, err := hex.DecodeString(sha512Hex)
	if err != nil {
		return res, fmt.Errorf("verify: decode sha512 digest: %w", err)
	}

	if env.KeyID != v.keyID {
		res.Outcome = OutcomeSignatureInvalid
		res.Detail = fmt.Sprintf("signature key %s does not match verification key %s", env.KeyID, v.keyID)
		return res, nil
	}

	if err := rsa.VerifyPSS(v.pub, crypto.SHA512, raw, env.Signature, signing.PSSOptions(v.saltLength)); err != nil {
		res.Outcome = OutcomeSignatureInvalid
		res.Detail = fmt.Sprintf("rsa-pss: %v", err)
		return res, nil
	}

	res.Outcome = OutcomeValid
	return res, nil
}

// VerifyAll judges independent artifacts in parallel on a bounded
// worker pool. Output order matches input order; one artifact's
// failure, typed or infrastructural, never aborts its siblings.
func (v *Verifier) VerifyAll(ctx context.Context, paths []string, workers int) []BatchItem {
	if workers <= 0 {
		workers = 1
	}

	items := make([]BatchItem, len(paths))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, p := range paths {
		wg.Add(1)
		go func(idx int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := v.Verify(ctx, path)
			items[idx] = BatchItem{Path: path, Result: res, Err: err}
		}(i, p)
	}

	wg.Wait()
	return items
}

func shortHex(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
