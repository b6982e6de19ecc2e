// Package doublesubmit issues and verifies anti-forgery token pairs for the
// double-submit CSRF pattern.
//
// At a high level, Protection mints pairs of encoded token strings - one
// destined for a cookie, one for a hidden form field or request header -
// that share a single signed payload (a random token value plus an expiry
// timestamp, under a keyed MAC). A request is accepted only if both strings
// decode, agree on the underlying payload, carry a valid MAC, and have not
// expired.
//
// Each encoded string is XOR-masked with a fresh random pad before
// encoding, so the externally visible form differs on every issuance even
// when the underlying payload is identical. This keeps tokens reflected
// into compressible responses safe from BREACH-class compression-oracle
// attacks.
//
// The protocol is stateless: no record of issued tokens is kept, so a
// valid, unexpired pair verifies any number of times. This is inherent to
// the double-submit design (per-token state would reintroduce the
// server-side session state the pattern avoids). Callers that need
// at-most-once semantics use VerifyTokenPairOnce with a store.TokenStore.
package doublesubmit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/swfrench/double-submit/internal/retry"
	"github.com/swfrench/double-submit/internal/token"
	"github.com/swfrench/double-submit/internal/token/common"
	"github.com/swfrench/double-submit/store"
	"golang.org/x/crypto/scrypt"
)

// Default transport names, for use by integrations. The core protocol does
// not depend on them; transport is the caller's concern.
const (
	// DefaultCookieName is the conventional name of the CSRF token cookie.
	DefaultCookieName = "csrf"
	// DefaultFormField is the conventional name of the CSRF token form field.
	DefaultFormField = "csrf-token"
	// DefaultHeaderName is the conventional name of the CSRF token header.
	DefaultHeaderName = "X-CSRF-Token"
	// DefaultQueryParam is the conventional name of the CSRF token query
	// parameter, for integrations that accept tokens in the query string.
	DefaultQueryParam = "csrf-token"
)

// KeyLen is the required length of the secret key.
const KeyLen = 32

var (
	// ErrBadToken indicates that an encoded token string is structurally
	// invalid (wrong alphabet, framing, or length).
	ErrBadToken = common.ErrBadToken
	// ErrTokenLength indicates that a decoded token's mask and payload
	// segments disagree in length (corrupted or truncated token).
	ErrTokenLength = common.ErrTokenLength
	// ErrPairMismatch indicates that the two presented tokens disagree once
	// unmasked (forged or mismatched pair).
	ErrPairMismatch = errors.New("token pair mismatch")
	// ErrInvalidToken indicates that MAC verification failed (tampered or
	// forged payload, or wrong key).
	ErrInvalidToken = common.ErrInvalidToken
	// ErrExpired indicates that the pair is authentic but past its expiry.
	ErrExpired = errors.New("token pair expired")
	// ErrNoStore indicates that VerifyTokenPairOnce was called on a
	// Protection configured without a TokenStore.
	ErrNoStore = errors.New("no token store configured")
)

// TokenPair is one issuance of the double-submit protocol: two encoded
// strings carrying the same signed payload under independent masks. Cookie
// is destined for the token cookie; Form for the hidden form field or
// header the client must echo back.
type TokenPair struct {
	Cookie string
	Form   string
}

// Options represents tunable knobs that control the behavior of Protection.
type Options struct {
	// Version selects the token version (i.e., signing scheme) used for
	// newly issued pairs. Verification always accepts every supported
	// version, so rolling a deployment from one version to another does not
	// invalidate outstanding pairs.
	// Default if unspecified: "v0" (HMAC-SHA256)
	Version string
	// Store is the claim store consulted by VerifyTokenPairOnce. The
	// stateless operations (GenerateTokenPair, VerifyTokenPair) never touch
	// it.
	// Default if unspecified: none (VerifyTokenPairOnce returns ErrNoStore)
	Store store.TokenStore
	// ClaimAttempts is the attempt budget for claim operations against
	// Store, covering transient store errors. Replayed tokens are never
	// retried.
	// Default if unspecified: 3
	ClaimAttempts int
	// ClaimBackoffBase is the initial delay between claim attempts (the
	// delay doubles, with jitter, on each subsequent attempt).
	// Default if unspecified: 10ms
	ClaimBackoffBase time.Duration
	// ScryptN is the scrypt CPU/memory cost parameter used by
	// NewProtectionFromPassword. It must be a power of two, and exists as an
	// option so tests can lower it (scrypt at the default cost is slow by
	// design).
	// Default if unspecified: 2^15
	ScryptN int
	// TTL is the pair lifetime used when the Protect middleware issues
	// tokens. Calls to GenerateTokenPair supply their own TTL.
	// Default if unspecified: 1h
	TTL time.Duration
	// CookieName, HeaderName, and FormField are the transport names used by
	// the Protect middleware.
	// Defaults if unspecified: DefaultCookieName, DefaultHeaderName,
	// DefaultFormField
	CookieName string
	HeaderName string
	FormField  string
	// CreateCookie is a user-supplied factory for creating token cookies
	// with the provided name, value, and expiration, used by the Protect
	// middleware. This is provided as a convenience for granular control of
	// cookie attributes, such as Path.
	// Default if unspecified: CreateStrictCookie
	CreateCookie func(name, value string, expires time.Time) *http.Cookie
}

// Protection issues and verifies double-submit token pairs. All methods are
// safe for concurrent use: the key is immutable after construction and
// every other value is local to a single call.
type Protection struct {
	// Clock can be used to override measurement of time in tests.
	Clock func() time.Time
	codec *token.Codec
	opts  *Options
}

func resolveOptions(opts *Options) *Options {
	if opts == nil {
		opts = &Options{}
	}
	if opts.ClaimAttempts == 0 {
		opts.ClaimAttempts = 3
	}
	if opts.ClaimBackoffBase == time.Duration(0) {
		opts.ClaimBackoffBase = 10 * time.Millisecond
	}
	if opts.ScryptN == 0 {
		opts.ScryptN = 1 << 15
	}
	if opts.TTL == time.Duration(0) {
		opts.TTL = time.Hour
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.HeaderName == "" {
		opts.HeaderName = DefaultHeaderName
	}
	if opts.FormField == "" {
		opts.FormField = DefaultFormField
	}
	if opts.CreateCookie == nil {
		opts.CreateCookie = CreateStrictCookie
	}
	return opts
}

// NewProtection returns a new Protection instance using the provided
// KeyLen-byte key to compute token MACs, respecting the provided options
// (which may be nil).
func NewProtection(key []byte, opts *Options) (*Protection, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), KeyLen)
	}
	opts = resolveOptions(opts)
	k := make([]byte, KeyLen)
	copy(k, key)
	codec, err := token.NewCodec(k, opts.Version)
	if err != nil {
		return nil, err
	}
	return &Protection{
		Clock: func() time.Time { return time.Now() },
		codec: codec,
		opts:  opts,
	}, nil
}

// scryptSalt is fixed: the KDF here stretches one long-lived service
// password into one long-lived key, not many user passwords into many.
const scryptSalt = "double-submit-scrypt-salt"

// NewProtectionFromPassword derives the secret key from the provided
// password using scrypt (r=8, p=1, with CPU/memory cost Options.ScryptN)
// and returns a Protection using it. Deriving is deliberately slow at the
// default cost; prefer NewProtection with a randomly generated key where
// key storage is available.
func NewProtectionFromPassword(password []byte, opts *Options) (*Protection, error) {
	opts = resolveOptions(opts)
	key, err := scrypt.Key(password, []byte(scryptSalt), opts.ScryptN, 8, 1, KeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return NewProtection(key, opts)
}

// GenerateTokenPair mints a new token pair valid for the provided TTL: one
// fresh random token value and expiry, signed once, then masked and encoded
// independently for the cookie and form outputs. The two strings differ
// byte for byte but recover identical signed payloads.
func (p *Protection) GenerateTokenPair(ttl time.Duration) (*TokenPair, error) {
	tv, err := common.RandomBytes(common.TokenLen)
	if err != nil {
		return nil, err
	}
	msg := common.EncodeMessage(tv, p.Clock().Add(ttl).Unix())
	cookie, err := p.codec.Seal(msg)
	if err != nil {
		return nil, err
	}
	form, err := p.codec.Seal(msg)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Cookie: cookie, Form: form}, nil
}

// verify runs the full verification pipeline (decode, unmask, constant-time
// pair comparison, MAC check, expiry check) and returns the authenticated
// token value and expiry timestamp.
func (p *Protection) verify(cookie, form string) (tv []byte, expiry int64, err error) {
	cVersion, cSealed, err := p.codec.Recover(cookie)
	if err != nil {
		return nil, 0, fmt.Errorf("cookie token: %w", err)
	}
	fVersion, fSealed, err := p.codec.Recover(form)
	if err != nil {
		return nil, 0, fmt.Errorf("form token: %w", err)
	}
	// Compare the recovered payloads before authenticating either: two
	// members of one pair must agree byte for byte once unmasked.
	if cVersion != fVersion || subtle.ConstantTimeCompare(cSealed, fSealed) != 1 {
		return nil, 0, ErrPairMismatch
	}
	msg, err := p.codec.Verify(cVersion, cSealed)
	if err != nil {
		return nil, 0, err
	}
	tv, expiry, err = common.DecodeMessage(msg)
	if err != nil {
		return nil, 0, err
	}
	if p.Clock().Unix() > expiry {
		return nil, 0, ErrExpired
	}
	return tv, expiry, nil
}

// VerifyTokenPair checks that the provided cookie and form token strings
// form a valid, authentic, unexpired pair. The returned error is one of the
// package's sentinel values (possibly wrapped); callers should treat every
// variant uniformly as "reject the request" - the taxonomy exists for
// logging and metrics, and revealing which check failed to the remote
// client aids forgery.
//
// Note that VerifyTokenPair is stateless: the same pair verifies any number
// of times within its TTL. See VerifyTokenPairOnce for at-most-once
// verification.
func (p *Protection) VerifyTokenPair(cookie, form string) error {
	_, _, err := p.verify(cookie, form)
	return err
}

// minimum claim TTL, so a pair on the edge of expiry still leaves a record.
const minClaimTTL = time.Second

// VerifyTokenPairOnce behaves like VerifyTokenPair, and additionally claims
// the pair's underlying token value in the configured store so that any
// subsequent presentation fails with store.ErrTokenUsed. Claims expire with
// the pair. Transient store errors are retried per the configured backoff
// policy.
func (p *Protection) VerifyTokenPairOnce(ctx context.Context, cookie, form string) error {
	tv, expiry, err := p.verify(cookie, form)
	if err != nil {
		return err
	}
	if p.opts.Store == nil {
		return ErrNoStore
	}
	ttl := time.Unix(expiry, 0).Sub(p.Clock())
	if ttl < minClaimTTL {
		ttl = minClaimTTL
	}
	id := common.EncodeToString(tv)
	backoff := retry.Backoff{Base: p.opts.ClaimBackoffBase, Growth: 2.0, Jitter: 0.5}
	return backoff.Do(ctx, p.opts.ClaimAttempts, func() error {
		err := p.opts.Store.Claim(ctx, id, ttl)
		if errors.Is(err, store.ErrTokenUsed) {
			return retry.Abort(err)
		}
		return err
	})
}
