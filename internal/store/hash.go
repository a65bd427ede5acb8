package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash is the lowercase hex SHA-256 of a blob's uncompressed bytes.
type Hash string

// HashBytes computes the content hash of b.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// ParseHash validates a caller-supplied hash string.
func ParseHash(s string) (Hash, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("hash %q: want %d hex chars, got %d", s, sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("hash %q: %w", s, err)
	}
	return Hash(s), nil
}

// shard is the two-char directory prefix of the sharded layout.
func (h Hash) shard() string {
	return string(h[:2])
}

func (h Hash) String() string {
	return string(h)
}

// Short returns the first 12 chars for log lines.
func (h Hash) Short() string {
	if len(h) < 12 {
		return string(h)
	}
	return string(h[:12])
}
