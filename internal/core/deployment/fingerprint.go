package deployment

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ScriptHash returns the hex SHA-256 of a script body.
func ScriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes a script together with its dependency set. The order in
// which dependencies were declared does not matter.
func Fingerprint(script string, deps []string) string {
	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(script))
	for _, d := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Drifted reports whether the deploy script or dependencies of a change
// differ from what the ledger recorded when it was deployed.
func Drifted(rec Record, script string, deps []string) bool {
	return rec.ScriptHash != ScriptHash(script) || rec.Fingerprint != Fingerprint(script, deps)
}
