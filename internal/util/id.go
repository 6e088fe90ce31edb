package util

import (
	"crypto/rand"
	"encoding/hex"
)

// idEntropy is the number of random bytes behind each identifier. 12 bytes
// keeps ids short enough for log lines while leaving collisions out of reach.
const idEntropy = 12

// NewID returns a random identifier, optionally tagged with a type prefix
// such as "usr" or "psn".
func NewID(prefix string) string {
	buf := make([]byte, idEntropy)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
