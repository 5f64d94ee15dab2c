package forcefield

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Source wraps the raw bytes of a force-field document together with a
// content-derived identifier. The identifier keys cached simulation
// data: two runs are only comparable under identical parameters.
type Source struct {
	payload []byte
	id      string
}

// NewSource derives a source from raw document bytes.
func NewSource(payload []byte) *Source {
	digest := sha256.Sum256(payload)
	return &Source{
		payload: append([]byte(nil), payload...),
		id:      hex.EncodeToString(digest[:16]),
	}
}

// FromPath reads a force-field document from disk.
func FromPath(path string) (*Source, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read force field: %w", err)
	}
	return NewSource(payload), nil
}

// ID returns the content hash identifying this parameter set.
func (s *Source) ID() string { return s.id }

// Bytes returns a copy of the raw document.
func (s *Source) Bytes() []byte { return append([]byte(nil), s.payload...) }

// ForceField parses the wrapped document.
func (s *Source) ForceField() (*ForceField, error) {
	return Parse(s.payload)
}

// WriteTo materialises the document at the given path, used when
// protocols hand the parameter file to an external engine.
func (s *Source) WriteTo(path string) error {
	return os.WriteFile(path, s.payload, 0o600)
}
