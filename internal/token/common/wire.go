package common

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Sealed payloads are defined by:
// * Message: <token value (32)><expiry, big-endian UNIX seconds (8)>
// * Sealed:  <message (40)><MAC tag over message (32)>
// * Masked:  <mask (72)><sealed XOR mask (72)>
// The mask is drawn fresh for every encode, so two encodings of the same
// sealed payload share no bytes. Without it, a payload signed with the same
// key is a near-fixed string reflected into HTML, which compression-ratio
// side channels (BREACH and friends) can recover.

const (
	// TokenLen is the length of the random token value.
	TokenLen = 32
	// ExpiryLen is the length of the embedded expiry timestamp.
	ExpiryLen = 8
	// TagLen is the length of the MAC tag. All supported schemes produce
	// 32-byte tags.
	TagLen = 32
	// MessageLen is the length of the byte sequence covered by the MAC.
	MessageLen = TokenLen + ExpiryLen
	// SealedLen is the length of a message plus its MAC tag.
	SealedLen = MessageLen + TagLen
)

// RandomBytes returns n bytes drawn from the platform CSPRNG. Generator
// failure is surfaced as an error, never degraded to a weaker source.
func RandomBytes(n int) ([]byte, error) {
	bs := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, bs); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return bs, nil
}

// EncodeMessage assembles the byte sequence covered by the MAC from the
// provided token value and expiry timestamp (UNIX seconds).
func EncodeMessage(token []byte, expiry int64) []byte {
	msg := make([]byte, MessageLen)
	copy(msg, token)
	binary.BigEndian.PutUint64(msg[TokenLen:], uint64(expiry))
	return msg
}

// DecodeMessage splits a message into its token value and expiry timestamp.
// The message must be exactly MessageLen bytes.
func DecodeMessage(msg []byte) (token []byte, expiry int64, err error) {
	if len(msg) != MessageLen {
		return nil, 0, fmt.Errorf("message is %d bytes, want %d: %w", len(msg), MessageLen, ErrTokenLength)
	}
	return msg[:TokenLen], int64(binary.BigEndian.Uint64(msg[TokenLen:])), nil
}

// Mask one-time-pads the provided payload with a fresh random mask of equal
// length, returning the mask followed by the masked payload.
func Mask(payload []byte) ([]byte, error) {
	out := make([]byte, 2*len(payload))
	mask := out[:len(payload)]
	masked := out[len(payload):]
	ms, err := RandomBytes(len(payload))
	if err != nil {
		return nil, err
	}
	copy(mask, ms)
	for i := range payload {
		masked[i] = payload[i] ^ mask[i]
	}
	return out, nil
}

// Unmask recovers a payload of length n from its masked form (i.e., mask
// followed by masked payload). Any other input length is a decode error.
func Unmask(buf []byte, n int) ([]byte, error) {
	if len(buf) != 2*n {
		return nil, fmt.Errorf("masked payload is %d bytes, want %d: %w", len(buf), 2*n, ErrTokenLength)
	}
	mask := buf[:n]
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = buf[n+i] ^ mask[i]
	}
	return payload, nil
}

// Encoding used for token bodies: URL-safe alphabet, no padding, so encoded
// tokens are legal in cookie values, header values, and form fields as is.
var encoding = base64.RawURLEncoding.Strict()

// EncodeToString returns the textual form of the provided byte sequence.
func EncodeToString(bs []byte) string {
	return encoding.EncodeToString(bs)
}

// DecodeString is the strict inverse of EncodeToString. Malformed input
// (wrong alphabet, padding, truncation) yields ErrBadToken, never a partial
// result.
func DecodeString(s string) ([]byte, error) {
	bs, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token body (error: %v): %w", err, ErrBadToken)
	}
	return bs, nil
}
