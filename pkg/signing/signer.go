// Package signing produces RSA-PSS signatures over artifact digests
// and defines the on-disk signature envelope.
//
// The signer consumes the sha512 member of a DigestSet, decodes it back
// to raw digest bytes, and signs those bytes directly; it never hashes
// the hex string a second time. PSS salts are randomized, so two
// signatures over the same digest differ byte-wise while both verify.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/keystore"
)

// DefaultSaltLength is the PSS salt length the pipeline standardizes on.
const DefaultSaltLength = 64

var (
	// ErrNoPrivateKey means the signer has no loaded identity (fail-closed).
	ErrNoPrivateKey = errors.New("signing: no private key loaded (fail-closed)")

	// ErrBadDigest means the digest to sign is absent, non-hex, or the
	// wrong length for sha512.
	ErrBadDigest = errors.New("signing: empty or malformed digest")
)

// Signer signs digests with one loaded KeyPair. The pair is read-only
// after load, so a single Signer is safe for concurrent use.
type Signer struct {
	pair       *keystore.KeyPair
	saltLength int
}

// NewSigner wraps a loaded pair. A non-positive salt length falls back
// to DefaultSaltLength.
func NewSigner(pair *keystore.KeyPair, saltLength int) *Signer {
	if saltLength <= 0 {
		saltLength = DefaultSaltLength
	}
	return &Signer{pair: pair, saltLength: saltLength}
}

// PSSOptions returns the scheme parameters shared by signing and
// verification: MGF1(SHA-512) with the configured salt length.
func PSSOptions(saltLength int) *rsa.PSSOptions {
	if saltLength <= 0 {
		saltLength = DefaultSaltLength
	}
	return &rsa.PSSOptions{SaltLength: saltLength, Hash: crypto.SHA512}
}

// Sign signs the sha512 member of the digest set.
func (s *Signer) Sign(set hashing.DigestSet) (*Envelope, error) {
	return s.SignDigest(set.Hex(hashing.SHA512))
}

// SignDigest signs a sha512 hex digest. The digest must have been
// computed over the current artifact bytes immediately prior; signing
// never recomputes or trusts stale values.
func (s *Signer) SignDigest(sha512Hex string) (*Envelope, error) {
	if s == nil || s.pair == nil || s.pair.Private == nil {
		return nil, ErrNoPrivateKey
	}
	if sha512Hex == "" {
		return nil, fmt.Errorf("%w: digest set has no sha512 member", ErrBadDigest)
	}
	raw, err := hex.DecodeString(sha512Hex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDigest, err)
	}
	if len(raw) != sha512.Size {
		return nil, fmt.Errorf("%w: got %d digest bytes, want %d", ErrBadDigest, len(raw), sha512.Size)
	}

	sig, err := rsa.SignPSS(rand.Reader, s.pair.Private, crypto.SHA512, raw, PSSOptions(s.saltLength))
	if err != nil {
		return nil, fmt.Errorf("signing: rsa-pss: %w", err)
	}
	return &Envelope{KeyID: s.pair.ID, Signature: sig}, nil
}
