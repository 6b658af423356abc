package netkit

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives the stable one-way hash of a client IP that joins
// the ban store, profile store and event attribution.
func Fingerprint(ip string) string {
	sum := blake2b.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:20])
}
