package fabric

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint hashes its parts into a stable hex digest. Artifact
// fingerprints, scenario step hashes, and idempotency payload hashes all use
// it; parts are joined with an unambiguous separator so ("ab","c") and
// ("a","bc") differ.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
