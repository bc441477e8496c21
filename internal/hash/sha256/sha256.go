// Package sha256 provides content digests and content-addressed blob paths.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Hasher implements pages.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// BlobPath spreads digests over 256 directories: prefix/ab/abcdef....
func BlobPath(prefix, digest string) string {
	prefix = strings.Trim(prefix, "/")
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	if prefix == "" {
		return path.Join(shard, digest)
	}
	return path.Join(prefix, shard, digest)
}
