package core

import "crypto/sha256"

// sha256Sum is a tiny convenience wrapper shared by the canonical-hashing
// code paths (TrustBundle, kv-plane key derivation) so they don't each
// re-import crypto/sha256 with a different call shape.
func sha256Sum(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
