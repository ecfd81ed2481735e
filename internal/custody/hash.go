package custody

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashEvidence returns the lowercase hex sha256 digest of the raw evidence
// bytes. It must be computed over exactly the bytes handed to the evidence
// store.
func HashEvidence(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
