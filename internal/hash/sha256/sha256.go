// Package sha256 produces the hex digests used for link fingerprints and stored page hashes.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher with hex-encoded SHA-256 digests.
type Hasher struct {
	collapseSpace bool
}

// New returns a Hasher over the raw bytes.
func New() *Hasher {
	return &Hasher{}
}

// NewContent returns a Hasher for page bodies: runs of whitespace are collapsed to a
// single space and the ends trimmed, so re-serialized markup hashes the same.
func NewContent() *Hasher {
	return &Hasher{collapseSpace: true}
}

// Hash returns the hex digest of data. It never fails.
func (h *Hasher) Hash(data []byte) (string, error) {
	if h.collapseSpace {
		data = bytes.Join(bytes.Fields(data), []byte{' '})
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
