// Package v1 implements the signing operations backing the v1 token version.
package v1

import (
	"crypto/hmac"

	"golang.org/x/crypto/blake2b"
)

// Version is the version identifier prefix for this token implementation.
const Version = "v1"

// v1 tokens are defined by:
// * MAC: keyed BLAKE2b-256 over the message segment of the sealed payload
// * Transport: the masked, base64url form shared by all versions (see the
//   common package)

// Sign returns the MAC tag for the provided message under key.
func Sign(key, msg []byte) []byte {
	// blake2b.New256 only fails for keys longer than 64 bytes, and all
	// callers hold a fixed 32-byte key.
	h, err := blake2b.New256(key)
	if err != nil {
		panic(err)
	}
	h.Write(msg)
	return h.Sum(nil)
}

// Verify reports whether tag is the correct MAC for the provided message
// under key. The comparison is constant time, and a tag of the wrong length
// fails the same way a tag of the wrong content does.
func Verify(key, msg, tag []byte) bool {
	return hmac.Equal(Sign(key, msg), tag)
}
