package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey returns the full sha256 hex digest of s. Used for content-addressed
// file names and key fingerprints.
func HashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first n hex chars of sha256(s). n is clamped to the
// digest length.
func ShortHash(s string, n int) string {
	h := HashKey(s)
	if n <= 0 || n > len(h) {
		return h
	}
	return h[:n]
}
