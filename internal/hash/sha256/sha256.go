// Package sha256 computes content digests for fetched documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix marks digests produced by this package so stored hashes stay
// self-describing if the algorithm changes.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	prefixed bool
}

// New returns a hasher producing bare hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewPrefixed returns a hasher whose digests start with Prefix.
func NewPrefixed() *Hasher {
	return &Hasher{prefixed: true}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.prefixed {
		return Prefix + digest, nil
	}
	return digest, nil
}
