package hash

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Content returns the hex BLAKE2b-256 digest of a cell's source text.
func Content(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether text still hashes to digest.
func Equal(digest, text string) bool {
	return digest != "" && digest == Content(text)
}
