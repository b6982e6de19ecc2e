// Package token provides utilities for creation and verification of signed,
// masked token strings.
package token

import (
	"fmt"
	"strings"

	"github.com/swfrench/double-submit/internal/token/common"
	v0 "github.com/swfrench/double-submit/internal/token/v0"
	v1 "github.com/swfrench/double-submit/internal/token/v1"
)

// signer is the capability set a token version must provide: a keyed MAC and
// its constant-time verifier.
type signer struct {
	sign   func(key, msg []byte) []byte
	verify func(key, msg, tag []byte) bool
}

// Token versions supported for verification. Additional schemes slot in here
// as new versions.
var signers = map[string]signer{
	v0.Version: {sign: v0.Sign, verify: v0.Verify},
	v1.Version: {sign: v1.Sign, verify: v1.Verify},
}

// DefaultVersion is the token version used for newly sealed tokens unless
// the caller selects otherwise.
const DefaultVersion = v0.Version

// Codec seals and opens token strings of the form
//
//	<version><VersionHeaderSeparator><base64url(mask || sealed payload XOR mask)>
//
// Sealing always emits the configured version; opening accepts any
// supported version, keyed on the embedded prefix.
type Codec struct {
	key     []byte
	version string
}

// NewCodec returns a new Codec using the provided key to compute MACs and
// sealing new tokens with the provided version ("" selects DefaultVersion).
func NewCodec(key []byte, version string) (*Codec, error) {
	if version == "" {
		version = DefaultVersion
	}
	if _, ok := signers[version]; !ok {
		return nil, fmt.Errorf("cannot seal %q tokens: %w", version, common.ErrUnsupportedVersion)
	}
	return &Codec{key: key, version: version}, nil
}

// Seal returns the masked, encoded token string for the provided message
// bytes. Every call draws a fresh mask, so sealing the same message twice
// yields encodings with no bytes in common.
func (c *Codec) Seal(msg []byte) (string, error) {
	s := signers[c.version]
	sealed := append(append(make([]byte, 0, common.SealedLen), msg...), s.sign(c.key, msg)...)
	masked, err := common.Mask(sealed)
	if err != nil {
		return "", err
	}
	return c.version + common.VersionHeaderSeparator + common.EncodeToString(masked), nil
}

// Recover decodes and unmasks the provided token string, returning the
// version identifier and the recovered sealed payload. The payload is not
// yet authenticated; callers must pass it to Verify before trusting any of
// its content.
func (c *Codec) Recover(tok string) (version string, sealed []byte, err error) {
	version, body, ok := strings.Cut(tok, common.VersionHeaderSeparator)
	if !ok {
		return "", nil, fmt.Errorf("failed to parse version header from raw token: %w", common.ErrBadToken)
	}
	if _, ok := signers[version]; !ok {
		return "", nil, fmt.Errorf("failed to parse raw token: %w", common.ErrUnsupportedVersion)
	}
	masked, err := common.DecodeString(body)
	if err != nil {
		return "", nil, err
	}
	sealed, err = common.Unmask(masked, common.SealedLen)
	if err != nil {
		return "", nil, err
	}
	return version, sealed, nil
}

// Verify checks the MAC embedded in the provided sealed payload under the
// named version's scheme and extracts the message bytes therein.
func (c *Codec) Verify(version string, sealed []byte) ([]byte, error) {
	s, ok := signers[version]
	if !ok {
		return nil, common.ErrUnsupportedVersion
	}
	if len(sealed) != common.SealedLen {
		return nil, fmt.Errorf("sealed payload is %d bytes, want %d: %w", len(sealed), common.SealedLen, common.ErrTokenLength)
	}
	msg, tag := sealed[:common.MessageLen], sealed[common.MessageLen:]
	if !s.verify(c.key, msg, tag) {
		return nil, fmt.Errorf("token MAC verification failed: %w", common.ErrInvalidToken)
	}
	return msg, nil
}
