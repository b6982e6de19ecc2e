// Package v0 implements the signing operations backing the v0 token version.
package v0

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Version is the version identifier prefix for this token implementation.
const Version = "v0"

// v0 tokens are defined by:
// * MAC: HMAC-SHA256 over the message segment of the sealed payload
// * Transport: the masked, base64url form shared by all versions (see the
//   common package)

// Sign returns the MAC tag for the provided message under key.
func Sign(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

// Verify reports whether tag is the correct MAC for the provided message
// under key. The comparison is constant time, and a tag of the wrong length
// fails the same way a tag of the wrong content does.
func Verify(key, msg, tag []byte) bool {
	return hmac.Equal(Sign(key, msg), tag)
}
