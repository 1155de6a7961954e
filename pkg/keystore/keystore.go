// Package keystore manages the release pipeline's single signing
// identity: a 4096-bit RSA pair persisted as PEM files plus an
// auxiliary 256-bit symmetric key consumed by encryption needs outside
// this pipeline.
//
// Trust model: the private key never leaves the key directory and is
// written owner-only. The public key is world-readable and is what
// distribution consumers verify against. There is no rotation or
// revocation operation; a compromised key means redeploying the
// pipeline identity out of band.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	rsaKeyBits       = 4096
	symmetricKeySize = 32

	// File names are a stable contract with external consumers.
	PrivateKeyFile   = "rsa_private.pem"
	PublicKeyFile    = "rsa_public.pem"
	SymmetricKeyFile = "aes.key"

	pemTypePrivate = "PRIVATE KEY"
	pemTypePublic  = "PUBLIC KEY"
)

var (
	// ErrKeyNotFound means no key material exists at the configured path.
	ErrKeyNotFound = errors.New("keystore: key not found")

	// ErrKeyFormat means key material exists but cannot be used.
	ErrKeyFormat = errors.New("keystore: malformed key material")
)

// KeyPair is the loaded signing identity. ID is derived from the public
// key (first 16 hex chars of SHA-256 over the SPKI DER) and travels
// with every signature envelope so verifiers can detect key mismatch.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	ID      string
}

// Store persists and loads key material under one directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on
// first Generate, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the key directory.
func (s *Store) Dir() string { return s.dir }

// PrivatePath returns the private key file path.
func (s *Store) PrivatePath() string { return filepath.Join(s.dir, PrivateKeyFile) }

// PublicPath returns the public key file path.
func (s *Store) PublicPath() string { return filepath.Join(s.dir, PublicKeyFile) }

// SymmetricPath returns the symmetric key file path.
func (s *Store) SymmetricPath() string { return filepath.Join(s.dir, SymmetricKeyFile) }

// Generate creates a fresh 4096-bit RSA pair and a 256-bit symmetric
// key, persisting the private material at 0600 and the public key at
// 0644. Calling Generate with keys already on disk silently overwrites
// them and orphans every existing signature; the CLI refuses to do so
// without an explicit flag.
func (s *Store) Generate() (*KeyPair, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create %s: %w", s.dir, err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("keystore: encode private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: privDER})
	if err := os.WriteFile(s.PrivatePath(), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write %s: %w", s.PrivatePath(), err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: pubDER})
	if err := os.WriteFile(s.PublicPath(), pubPEM, 0o644); err != nil { //nolint:gosec // G306: the public key is public
		return nil, fmt.Errorf("keystore: write %s: %w", s.PublicPath(), err)
	}

	symmetric := make([]byte, symmetricKeySize)
	if _, err := rand.Read(symmetric); err != nil {
		return nil, fmt.Errorf("keystore: generate symmetric key: %w", err)
	}
	if err := os.WriteFile(s.SymmetricPath(), symmetric, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write %s: %w", s.SymmetricPath(), err)
	}

	id, err := KeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey, ID: id}, nil
}

// Load reads the persisted pair. A missing file yields ErrKeyNotFound;
// unparseable or inconsistent material yields ErrKeyFormat.
func (s *Store) Load() (*KeyPair, error) {
	priv, err := s.loadPrivate()
	if err != nil {
		return nil, err
	}
	pub, id, err := s.LoadPublic()
	if err != nil {
		return nil, err
	}
	// The on-disk public key is what consumers verify against; a pair
	// whose halves diverge must never sign anything.
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrKeyFormat)
	}
	return &KeyPair{Private: priv, Public: pub, ID: id}, nil
}

// LoadPublic reads only the public half and its key ID, for verify-only
// callers that must not touch private material.
func (s *Store) LoadPublic() (*rsa.PublicKey, string, error) {
	data, err := os.ReadFile(s.PublicPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", ErrKeyNotFound, s.PublicPath())
		}
		return nil, "", fmt.Errorf("keystore: read %s: %w", s.PublicPath(), err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublic {
		return nil, "", fmt.Errorf("%w: %s is not a %s PEM block", ErrKeyFormat, s.PublicPath(), pemTypePublic)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse %s: %v", ErrKeyFormat, s.PublicPath(), err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s holds a %T, want RSA", ErrKeyFormat, s.PublicPath(), parsed)
	}
	id, err := KeyID(pub)
	if err != nil {
		return nil, "", err
	}
	return pub, id, nil
}

// LoadSymmetric reads the auxiliary 256-bit key.
func (s *Store) LoadSymmetric() ([]byte, error) {
	data, err := os.ReadFile(s.SymmetricPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, s.SymmetricPath())
		}
		return nil, fmt.Errorf("keystore: read %s: %w", s.SymmetricPath(), err)
	}
	if len(data) != symmetricKeySize {
		return nil, fmt.Errorf("%w: symmetric key is %d bytes, want %d", ErrKeyFormat, len(data), symmetricKeySize)
	}
	return data, nil
}

func (s *Store) loadPrivate() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(s.PrivatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, s.PrivatePath())
		}
		return nil, fmt.Errorf("keystore: read %s: %w", s.PrivatePath(), err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivate {
		return nil, fmt.Errorf("%w: %s is not a %s PEM block", ErrKeyFormat, s.PrivatePath(), pemTypePrivate)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrKeyFormat, s.PrivatePath(), err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds a %T, want RSA", ErrKeyFormat, s.PrivatePath(), parsed)
	}
	return priv, nil
}

// KeyID derives the stable identifier for a public key: the first 16
// hex characters of SHA-256 over its SPKI DER encoding.
func KeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keystore: encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16], nil
}
