package signing

import (
	"errors"
	"fmt"
	"os"
)

// Envelope wire format, standardized across every call site (the
// predecessor tooling mixed raw and base64 encodings):
//
//	offset 0..1  magic "RG"
//	offset 2     format version (0x01)
//	offset 3     key ID length n
//	offset 4..   n ASCII key ID bytes
//	rest         raw RSA-PSS signature bytes
const (
	envelopeVersion = 0x01
	headerLen       = 4
)

var envelopeMagic = [2]byte{'R', 'G'}

var (
	// ErrBadEnvelope marks bytes that are not a valid signature envelope.
	ErrBadEnvelope = errors.New("signing: malformed signature envelope")

	// ErrEnvelopeMissing marks an absent .sig file; verification maps it
	// to a MissingMetadata outcome.
	ErrEnvelopeMissing = errors.New("signing: signature file missing")
)

// Envelope carries one signature and the ID of the key that made it.
type Envelope struct {
	KeyID     string
	Signature []byte
}

// Encode serializes the envelope to its wire format.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.KeyID) == 0 || len(e.KeyID) > 255 {
		return nil, fmt.Errorf("%w: key ID length %d", ErrBadEnvelope, len(e.KeyID))
	}
	if len(e.Signature) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrBadEnvelope)
	}
	out := make([]byte, 0, headerLen+len(e.KeyID)+len(e.Signature))
	out = append(out, envelopeMagic[0], envelopeMagic[1], envelopeVersion, byte(len(e.KeyID)))
	out = append(out, e.KeyID...)
	out = append(out, e.Signature...)
	return out, nil
}

// DecodeEnvelope parses wire-format bytes.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < headerLen+1 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrBadEnvelope, len(data))
	}
	if data[0] != envelopeMagic[0] || data[1] != envelopeMagic[1] {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadEnvelope, string(data[:2]))
	}
	if data[2] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadEnvelope, data[2])
	}
	idLen := int(data[3])
	if idLen == 0 || headerLen+idLen >= len(data) {
		return nil, fmt.Errorf("%w: key ID length %d out of bounds", ErrBadEnvelope, idLen)
	}
	return &Envelope{
		KeyID:     string(data[headerLen : headerLen+idLen]),
		Signature: append([]byte(nil), data[headerLen+idLen:]...),
	}, nil
}

// WriteEnvelopeFile persists the envelope next to an artifact.
func WriteEnvelopeFile(path string, e *Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: signatures are public
		return fmt.Errorf("signing: write %s: %w", path, err)
	}
	return nil
}

// ReadEnvelopeFile loads and parses a .sig file. A missing file yields
// ErrEnvelopeMissing so verification can report MissingMetadata rather
// than SignatureInvalid.
func ReadEnvelopeFile(path string) (*Envelope, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: derived from the artifact path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrEnvelopeMissing, path)
		}
		return nil, fmt.Errorf("signing: read %s: %w", path, err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}
