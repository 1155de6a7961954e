// Package hashing computes multi-algorithm digests of release artifacts.
//
// The engine streams the file once through every configured hash, so a
// multi-gigabyte artifact is never held in memory. Digests are pure
// functions of the file bytes: same bytes, same DigestSet, regardless of
// algorithm order or call count.
package hashing

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// readChunkSize bounds how much of an artifact is resident per read.
const readChunkSize = 32 * 1024

var (
	// ErrUnknownAlgorithm is returned for algorithm names outside the
	// supported set.
	ErrUnknownAlgorithm = errors.New("hashing: unknown algorithm")
)

// Canonical returns the full algorithm set in canonical order.
// Verification walks this order, so sha256 mismatches report first.
func Canonical() []Algorithm {
	return []Algorithm{SHA256, SHA512}
}

// Parse maps configured algorithm names onto the closed Algorithm set,
// preserving order.
func Parse(names []string) ([]Algorithm, error) {
	algs := make([]Algorithm, 0, len(names))
	for _, name := range names {
		switch Algorithm(name) {
		case SHA256, SHA512:
			algs = append(algs, Algorithm(name))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
		}
	}
	return algs, nil
}

func newHasher(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// DigestSet maps algorithm name to lowercase hex digest. Never mutated
// once produced; recomputation is the only way to a new value.
type DigestSet map[Algorithm]string

// Hex returns the digest for alg, empty when absent.
func (s DigestSet) Hex(alg Algorithm) string { return s[alg] }

// Engine computes DigestSets over a fixed algorithm list.
type Engine struct {
	algorithms []Algorithm
}

// NewEngine builds an engine for the given algorithms. An empty list
// falls back to the canonical set.
func NewEngine(algorithms []Algorithm) *Engine {
	if len(algorithms) == 0 {
		algorithms = Canonical()
	}
	return &Engine{algorithms: append([]Algorithm(nil), algorithms...)}
}

// Algorithms returns the engine's algorithm list in order.
func (e *Engine) Algorithms() []Algorithm {
	return append([]Algorithm(nil), e.algorithms...)
}

// Digest streams the artifact through every configured hash and returns
// the resulting DigestSet. I/O failures propagate unretried. The context
// is consulted between chunks so hashing a large artifact cancels
// promptly.
func (e *Engine) Digest(ctx context.Context, artifactPath string) (DigestSet, error) {
	f, err := os.Open(artifactPath) //nolint:gosec // G304: artifact paths come from the operator
	if err != nil {
		return nil, fmt.Errorf("hashing: open %s: %w", artifactPath, err)
	}
	defer f.Close()

	hashers := make([]hash.Hash, len(e.algorithms))
	writers := make([]io.Writer, len(e.algorithms))
	for i, alg := range e.algorithms {
		h, err := newHasher(alg)
		if err != nil {
			return nil, err
		}
		hashers[i] = h
		writers[i] = h
	}
	sink := io.MultiWriter(writers...)

	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hashing: %s: %w", artifactPath, err)
		}
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("hashing: %s: %w", artifactPath, werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("hashing: read %s: %w", artifactPath, err)
		}
	}

	set := make(DigestSet, len(e.algorithms))
	for i, alg := range e.algorithms {
		set[alg] = hex.EncodeToString(hashers[i].Sum(nil))
	}
	return set, nil
}

// DigestResult pairs a DigestSet with the error that produced it.
type DigestResult struct {
	Set DigestSet
	Err error
}

// DigestAll hashes independent artifacts in parallel on a bounded worker
// pool and returns a result per path. Sibling failures do not abort the
// batch.
func (e *Engine) DigestAll(ctx context.Context, paths []string, workers int) map[string]DigestResult {
	if workers <= 0 {
		workers = 1
	}

	results := make(map[string]DigestResult, len(paths))
	var mu sync.Mutex
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, p := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			set, err := e.Digest(ctx, path)
			mu.Lock()
			results[path] = DigestResult{Set: set, Err: err}
			mu.Unlock()
		}(p)
	}

	wg.Wait()
	return results
}
