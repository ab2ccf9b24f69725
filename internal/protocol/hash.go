package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestLength is the wire length of a content digest: "0x" plus 64 hex chars.
const DigestLength = 66

// ContentDigest hashes an opaque payload into the canonical digest form.
// Servers never recompute digests over ciphertext they relay; this helper
// exists for clients and tests that build frames.
func ContentDigest(payload []byte) string {
	h := sha256.Sum256(payload)
	return "0x" + hex.EncodeToString(h[:])
}

// ValidDigest reports whether s is a well-formed content digest. Digests are
// treated as opaque identifiers, so case is preserved and both hex cases are
// accepted.
func ValidDigest(s string) bool {
	if len(s) != DigestLength {
		return false
	}
	if s[0] != '0' || s[1] != 'x' {
		return false
	}
	for i := 2; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
