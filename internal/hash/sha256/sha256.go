// Package sha256 derives the hash keys of relationship rows.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

var _ ingest.Hasher = (*Hasher)(nil)

// Hasher returns hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. It never fails.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
