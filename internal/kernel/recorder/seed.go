package recorder

import (
	"crypto/rand"
	"encoding/binary"
)

// randomSeed returns a random 64-bit seed for a session header when
// the caller does not supply one via WithSeed.
func randomSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}
