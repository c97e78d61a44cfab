package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// IDLength is the length of a generated document id in hex characters.
const IDLength = 16

// NewID returns 8 random bytes, hex-encoded.
func NewID() string {
	var b [IDLength / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("jsondb: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
