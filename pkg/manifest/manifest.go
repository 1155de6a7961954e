// Package manifest builds and verifies the signed release manifest.
//
// A manifest is the canonical inventory of one release: every artifact
// with its sizes and digests, the signing key ID and the release
// version. The signature covers the RFC 8785 (JCS) canonical form, so
// two manifests with the same content always produce the same signed
// bytes regardless of field order or whitespace.
package manifest

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"

	"github.com/mega-emu/relgate/pkg/hashing"
	"github.com/mega-emu/relgate/pkg/signing"
)

var (
	ErrBadVersion        = errors.New("manifest: invalid semantic version")
	ErrSignatureMismatch = errors.New("manifest: signature does not match content")
)

// Artifact is one entry in the release inventory.
type Artifact struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	SHA512 string `json:"sha512"`
}

// Manifest describes a complete release.
type Manifest struct {
	Version   string     `json:"version"`
	KeyID     string     `json:"key_id"`
	CreatedAt time.Time  `json:"created_at"`
	Artifacts []Artifact `json:"artifacts"`
}

// Builder accumulates artifacts for a release manifest.
type Builder struct {
	version   string
	keyID     string
	clock     func() time.Time
	artifacts []Artifact
}

// NewBuilder starts a manifest for the given release version. The
// version must parse as semver.
func NewBuilder(version, keyID string) (*Builder, error) {
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadVersion, version, err)
	}
	return &Builder{version: version, keyID: keyID, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// AddFile records an artifact from disk together with its digests.
func (b *Builder) AddFile(path string, set hashing.DigestSet) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	b.Add(Artifact{
		Name:   hashing.ArtifactName(path),
		Size:   info.Size(),
		SHA256: set.Hex(hashing.SHA256),
		SHA512: set.Hex(hashing.SHA512),
	})
	return nil
}

// Add records a pre-built artifact entry.
func (b *Builder) Add(a Artifact) {
	b.artifacts = append(b.artifacts, a)
}

// Build assembles the manifest. Artifacts are sorted by name so the
// canonical form does not depend on insertion order. The list is
// non-nil even when empty so it serializes as [] rather than null.
func (b *Builder) Build() *Manifest {
	arts := make([]Artifact, 0, len(b.artifacts))
	arts = append(arts, b.artifacts...)
	sort.Slice(arts, func(i, j int) bool { return arts[i].Name < arts[j].Name })
	return &Manifest{
		Version:   b.version,
		KeyID:     b.keyID,
		CreatedAt: b.clock().UTC(),
		Artifacts: arts,
	}
}

// CanonicalBytes returns the RFC 8785 canonical JSON form.
func (m *Manifest) CanonicalBytes() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	return canonical, nil
}

// CanonicalDigest returns the hex sha512 of the canonical form. This
// is the value the manifest signature covers.
func (m *Manifest) CanonicalDigest() (string, error) {
	canonical, err := m.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Sign produces a detached signature envelope over the canonical form.
func (m *Manifest) Sign(signer *signing.Signer) (*signing.Envelope, error) {
	digest, err := m.CanonicalDigest()
	if err != nil {
		return nil, err
	}
	return signer.SignDigest(digest)
}

// VerifySignature checks a detached manifest signature.
func (m *Manifest) VerifySignature(env *signing.Envelope, pub *rsa.PublicKey, saltLength int) error {
	digest, err := m.CanonicalDigest()
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("manifest: decode digest: %w", err)
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA512, raw, env.Signature, signing.PSSOptions(saltLength)); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return nil
}

// Path returns the manifest file path for a release version inside dir.
func Path(dir, version string) string {
	return filepath.Join(dir, fmt.Sprintf("release-%s.manifest.json", version))
}

// WriteFile stores the manifest as indented JSON.
func (m *Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	data = append(data, '\n')
	//nolint:gosec // G306: manifests are public release metadata.
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads and schema-validates a manifest.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if err := ValidateBytes(data); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", path, err)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, m.Version)
	}
	return &m, nil
}
