package hashing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrSidecarMissing marks an absent digest file; verification maps
	// it to a MissingMetadata outcome.
	ErrSidecarMissing = errors.New("hashing: digest file missing")

	// ErrSidecarMalformed marks a digest file whose content cannot be
	// parsed. Unlike a missing file this is an infrastructure failure.
	ErrSidecarMalformed = errors.New("hashing: digest file malformed")
)

// SidecarPath returns the digest file path for an artifact/algorithm
// pair, e.g. dist/mega_emu-1.0.0.tar.gz.sha256.
func SidecarPath(artifactPath string, alg Algorithm) string {
	return artifactPath + "." + string(alg)
}

// ArtifactName returns the NFC-normalized logical name of an artifact.
// macOS filesystems hand back NFD names; normalizing keeps digest lines
// and manifest entries byte-stable across platforms.
func ArtifactName(artifactPath string) string {
	return norm.NFC.String(filepath.Base(artifactPath))
}

// WriteSidecars persists one digest file per algorithm next to the
// artifact, in sha256sum format: "<hex-digest>  <artifact-filename>\n"
// (two spaces). Existing files are overwritten.
func WriteSidecars(set DigestSet, artifactPath string, algorithms []Algorithm) error {
	name := ArtifactName(artifactPath)
	for _, alg := range algorithms {
		digest, ok := set[alg]
		if !ok {
			return fmt.Errorf("hashing: digest set has no %s entry for %s", alg, name)
		}
		line := fmt.Sprintf("%s  %s\n", digest, name)
		path := SidecarPath(artifactPath, alg)
		if err := os.WriteFile(path, []byte(line), 0o644); err != nil { //nolint:gosec // G306: digest files are public
			return fmt.Errorf("hashing: write %s: %w", path, err)
		}
	}
	return nil
}

// ReadSidecars loads the stored DigestSet for an artifact. A missing
// file yields ErrSidecarMissing; unparseable content yields
// ErrSidecarMalformed. The first whitespace-separated token of each
// file is the digest, matching sha256sum output.
func ReadSidecars(artifactPath string, algorithms []Algorithm) (DigestSet, error) {
	set := make(DigestSet, len(algorithms))
	for _, alg := range algorithms {
		path := SidecarPath(artifactPath, alg)
		data, err := os.ReadFile(path) //nolint:gosec // G304: derived from the artifact path
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrSidecarMissing, path)
			}
			return nil, fmt.Errorf("hashing: read %s: %w", path, err)
		}
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrSidecarMalformed, path)
		}
		digest := strings.ToLower(fields[0])
		if !isHex(digest) {
			return nil, fmt.Errorf("%w: %s holds a non-hex digest", ErrSidecarMalformed, path)
		}
		set[alg] = digest
	}
	return set, nil
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
