// Package common holds the token structure shared by all token versions:
// the error taxonomy, the binary payload layout, the per-issuance XOR mask,
// and the textual encoding.
package common

import (
	"errors"
	"fmt"
)

// VersionHeaderSeparator is the separator between the token version identifier
// prefix and token body.
// Tokens are versioned by their backing signing scheme, which also pins
// details such as the binary payload layout.
const VersionHeaderSeparator = "!"

var (
	// ErrBadToken indicates that the token string is structurally invalid
	// (wrong alphabet, framing, or encoded length).
	ErrBadToken = errors.New("bad token")
	// ErrUnsupportedVersion indicates that the version identifier embedded in
	// the token string is not supported by this implementation.
	ErrUnsupportedVersion = fmt.Errorf("unsupported version: %w", ErrBadToken)
	// ErrTokenLength indicates that the decoded mask and payload segments
	// disagree in length (i.e., a corrupted or truncated token).
	ErrTokenLength = errors.New("token length mismatch")
	// ErrInvalidToken indicates that the token fails authenticity checks.
	ErrInvalidToken = errors.New("invalid token")
)
