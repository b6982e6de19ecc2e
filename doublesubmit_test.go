package doublesubmit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	doublesubmit "github.com/swfrench/double-submit"
	"github.com/swfrench/double-submit/internal/retry"
	"github.com/swfrench/double-submit/internal/testutil"
	"github.com/swfrench/double-submit/store"
)

const testKey = "W+HdoO687DHK7p/Uk933ojArElzkEMtRebhW07NFTgU="

// stubStore is a stub implementation of the TokenStore interface.
type stubStore struct {
	mu       sync.Mutex
	claims   map[string]time.Duration
	claimErr func() error
}

func newStubStore() *stubStore {
	return &stubStore{
		claims:   make(map[string]time.Duration),
		claimErr: func() error { return nil },
	}
}

func (s *stubStore) Claim(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimErr(); err != nil {
		return err
	}
	if _, ok := s.claims[id]; ok {
		return store.ErrTokenUsed
	}
	s.claims[id] = ttl
	return nil
}

func (s *stubStore) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[id]; !ok {
		return store.ErrTokenNotFound
	}
	delete(s.claims, id)
	return nil
}

func mustCreateProtection(t *testing.T, opts *doublesubmit.Options) *doublesubmit.Protection {
	t.Helper()
	p, err := doublesubmit.NewProtection(testutil.MustDecodeBase64(t, testKey), opts)
	if err != nil {
		t.Fatalf("NewProtection() returned unexpected error: %v", err)
	}
	return p
}

func mustGenerate(t *testing.T, p *doublesubmit.Protection, ttl time.Duration) *doublesubmit.TokenPair {
	t.Helper()
	pair, err := p.GenerateTokenPair(ttl)
	if err != nil {
		t.Fatalf("GenerateTokenPair() returned unexpected error: %v", err)
	}
	return pair
}

func TestRoundTrip(t *testing.T) {
	p := mustCreateProtection(t, nil)
	pair := mustGenerate(t, p, 5*time.Minute)
	if err := p.VerifyTokenPair(pair.Cookie, pair.Form); err != nil {
		t.Errorf("VerifyTokenPair() returned unexpected error: %v", err)
	}
}

// The concrete scenario from the protocol definition: an all-zero key, a
// 300s TTL, and a clock frozen at issuance time T. The pair verifies at
// T+10 (and at exactly T+300) and is expired at T+301.
func TestExpirySchedule(t *testing.T) {
	p, err := doublesubmit.NewProtection(make([]byte, doublesubmit.KeyLen), nil)
	if err != nil {
		t.Fatalf("NewProtection() returned unexpected error: %v", err)
	}
	issued := time.Unix(1700000000, 0)
	now := issued
	p.Clock = func() time.Time { return now }
	pair := mustGenerate(t, p, 300*time.Second)
	testCases := []struct {
		name string
		at   time.Time
		err  error
	}{
		{
			name: "well within TTL",
			at:   issued.Add(10 * time.Second),
		},
		{
			name: "at expiry",
			at:   issued.Add(300 * time.Second),
		},
		{
			name: "past expiry",
			at:   issued.Add(301 * time.Second),
			err:  doublesubmit.ErrExpired,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			now = tc.at
			err := p.VerifyTokenPair(pair.Cookie, pair.Form)
			if gotErr, wantErr := err != nil, tc.err != nil; gotErr != wantErr {
				t.Fatalf("VerifyTokenPair() returned incorrect error status: got: %v, want: %v", err, tc.err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("VerifyTokenPair() returned incorrect error type: got: %v, want: %v", err, tc.err)
			}
		})
	}
}

func TestShortTTL(t *testing.T) {
	p := mustCreateProtection(t, nil)
	now := time.Unix(1700000000, 0)
	p.Clock = func() time.Time { return now }
	pair := mustGenerate(t, p, time.Second)
	now = now.Add(2 * time.Second)
	if err := p.VerifyTokenPair(pair.Cookie, pair.Form); !errors.Is(err, doublesubmit.ErrExpired) {
		t.Errorf("VerifyTokenPair() returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrExpired)
	}
}

func TestNegativeTTL(t *testing.T) {
	p := mustCreateProtection(t, nil)
	pair := mustGenerate(t, p, -time.Second)
	if err := p.VerifyTokenPair(pair.Cookie, pair.Form); !errors.Is(err, doublesubmit.ErrExpired) {
		t.Errorf("VerifyTokenPair() returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrExpired)
	}
}

func TestCrossPairRejected(t *testing.T) {
	p := mustCreateProtection(t, nil)
	a := mustGenerate(t, p, 5*time.Minute)
	b := mustGenerate(t, p, 5*time.Minute)
	if err := p.VerifyTokenPair(a.Cookie, b.Form); !errors.Is(err, doublesubmit.ErrPairMismatch) {
		t.Errorf("VerifyTokenPair() returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrPairMismatch)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	p := mustCreateProtection(t, nil)
	other, err := doublesubmit.NewProtection(make([]byte, doublesubmit.KeyLen), nil)
	if err != nil {
		t.Fatalf("NewProtection() returned unexpected error: %v", err)
	}
	pair := mustGenerate(t, p, 5*time.Minute)
	if err := other.VerifyTokenPair(pair.Cookie, pair.Form); !errors.Is(err, doublesubmit.ErrInvalidToken) {
		t.Errorf("VerifyTokenPair() returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrInvalidToken)
	}
}

// isRejection reports whether err is one of the verification failure
// sentinels (i.e., a typed rejection rather than acceptance or a panic).
func isRejection(err error) bool {
	for _, sentinel := range []error{
		doublesubmit.ErrBadToken,
		doublesubmit.ErrTokenLength,
		doublesubmit.ErrPairMismatch,
		doublesubmit.ErrInvalidToken,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Flipping any single bit of either encoded token must yield a typed
// rejection, never acceptance.
func TestTamperSensitivity(t *testing.T) {
	p := mustCreateProtection(t, nil)
	pair := mustGenerate(t, p, 5*time.Minute)
	flip := func(s string, i, bit int) string {
		bs := []byte(s)
		bs[i] ^= 1 << bit
		return string(bs)
	}
	for i := 0; i < len(pair.Cookie); i++ {
		for bit := 0; bit < 8; bit++ {
			if err := p.VerifyTokenPair(flip(pair.Cookie, i, bit), pair.Form); !isRejection(err) {
				t.Fatalf("VerifyTokenPair() with cookie bit %d of byte %d flipped returned incorrect error: %v", bit, i, err)
			}
		}
	}
	for i := 0; i < len(pair.Form); i++ {
		for bit := 0; bit < 8; bit++ {
			if err := p.VerifyTokenPair(pair.Cookie, flip(pair.Form, i, bit)); !isRejection(err) {
				t.Fatalf("VerifyTokenPair() with form bit %d of byte %d flipped returned incorrect error: %v", bit, i, err)
			}
		}
	}
}

func TestGarbageInputs(t *testing.T) {
	p := mustCreateProtection(t, nil)
	pair := mustGenerate(t, p, 5*time.Minute)
	garbage := []string{
		"",
		"!",
		"v0",
		"v0!",
		"v0!****",
		"v0!aGVsbG8",
		"v42!aGVsbG8",
		"not a token at all",
		pair.Cookie[:len(pair.Cookie)-4],
		pair.Cookie + "AAAA",
	}
	for _, g := range garbage {
		if err := p.VerifyTokenPair(g, pair.Form); !isRejection(err) {
			t.Errorf("VerifyTokenPair(%q, valid) returned incorrect error: %v", g, err)
		}
		if err := p.VerifyTokenPair(pair.Cookie, g); !isRejection(err) {
			t.Errorf("VerifyTokenPair(valid, %q) returned incorrect error: %v", g, err)
		}
	}
}

// Two issuances over the same key must produce distinct encodings, as must
// the two members of a single pair: the per-issuance mask guarantees the
// encoded form never repeats even when the underlying payload does.
func TestEncodingUniqueness(t *testing.T) {
	p := mustCreateProtection(t, nil)
	a := mustGenerate(t, p, 5*time.Minute)
	b := mustGenerate(t, p, 5*time.Minute)
	if a.Cookie == b.Cookie {
		t.Errorf("GenerateTokenPair() returned identical cookie encodings across issuances: %q", a.Cookie)
	}
	if a.Cookie == a.Form {
		t.Errorf("GenerateTokenPair() returned identical cookie and form encodings: %q", a.Cookie)
	}
}

func TestKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := doublesubmit.NewProtection(make([]byte, n), nil); err == nil {
			t.Errorf("NewProtection() with a %d-byte key unexpectedly succeeded", n)
		}
	}
}

func TestUnsupportedVersionOption(t *testing.T) {
	key := make([]byte, doublesubmit.KeyLen)
	if _, err := doublesubmit.NewProtection(key, &doublesubmit.Options{Version: "v42"}); err == nil {
		t.Errorf("NewProtection() with an unsupported version unexpectedly succeeded")
	}
}

// Pairs issued under the v1 scheme round-trip, and verify under a
// Protection configured to issue v0 (verification accepts every supported
// version).
func TestVersionInterop(t *testing.T) {
	pv1 := mustCreateProtection(t, &doublesubmit.Options{Version: "v1"})
	pv0 := mustCreateProtection(t, nil)
	pair := mustGenerate(t, pv1, 5*time.Minute)
	if err := pv1.VerifyTokenPair(pair.Cookie, pair.Form); err != nil {
		t.Errorf("VerifyTokenPair() returned unexpected error: %v", err)
	}
	if err := pv0.VerifyTokenPair(pair.Cookie, pair.Form); err != nil {
		t.Errorf("VerifyTokenPair() under a v0 Protection returned unexpected error: %v", err)
	}
}

func TestFromPassword(t *testing.T) {
	// Low KDF cost: scrypt at the default cost is slow by design.
	opts := func() *doublesubmit.Options { return &doublesubmit.Options{ScryptN: 4} }
	a, err := doublesubmit.NewProtectionFromPassword([]byte("correct horse battery staple"), opts())
	if err != nil {
		t.Fatalf("NewProtectionFromPassword() returned unexpected error: %v", err)
	}
	b, err := doublesubmit.NewProtectionFromPassword([]byte("correct horse battery staple"), opts())
	if err != nil {
		t.Fatalf("NewProtectionFromPassword() returned unexpected error: %v", err)
	}
	c, err := doublesubmit.NewProtectionFromPassword([]byte("hunter2"), opts())
	if err != nil {
		t.Fatalf("NewProtectionFromPassword() returned unexpected error: %v", err)
	}
	pair := mustGenerate(t, a, 5*time.Minute)
	if err := b.VerifyTokenPair(pair.Cookie, pair.Form); err != nil {
		t.Errorf("VerifyTokenPair() under the same password returned unexpected error: %v", err)
	}
	if err := c.VerifyTokenPair(pair.Cookie, pair.Form); !errors.Is(err, doublesubmit.ErrInvalidToken) {
		t.Errorf("VerifyTokenPair() under a different password returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrInvalidToken)
	}
}

func onceOptions(s store.TokenStore) *doublesubmit.Options {
	return &doublesubmit.Options{
		Store:            s,
		ClaimBackoffBase: time.Microsecond,
	}
}

func TestVerifyOnce(t *testing.T) {
	ctx := context.Background()
	ss := newStubStore()
	p := mustCreateProtection(t, onceOptions(ss))
	now := time.Unix(1700000000, 0)
	p.Clock = func() time.Time { return now }
	pair := mustGenerate(t, p, 300*time.Second)
	now = now.Add(10 * time.Second)
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); err != nil {
		t.Fatalf("VerifyTokenPairOnce() returned unexpected error: %v", err)
	}
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); !errors.Is(err, store.ErrTokenUsed) {
		t.Errorf("VerifyTokenPairOnce() on replay returned incorrect error: got: %v, want: %v", err, store.ErrTokenUsed)
	}
	// The stateless operation remains oblivious to the claim.
	if err := p.VerifyTokenPair(pair.Cookie, pair.Form); err != nil {
		t.Errorf("VerifyTokenPair() returned unexpected error: %v", err)
	}
	// Claims carry the pair's remaining lifetime.
	for id, ttl := range ss.claims {
		if want := 290 * time.Second; ttl != want {
			t.Errorf("Claim for %q recorded incorrect TTL: got: %v, want: %v", id, ttl, want)
		}
	}
}

func TestVerifyOnceRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	ss := newStubStore()
	failures := 1
	ss.claimErr = func() error {
		if failures > 0 {
			failures--
			return errors.New("transient store error")
		}
		return nil
	}
	p := mustCreateProtection(t, onceOptions(ss))
	pair := mustGenerate(t, p, 5*time.Minute)
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); err != nil {
		t.Errorf("VerifyTokenPairOnce() returned unexpected error: %v", err)
	}
	if len(ss.claims) != 1 {
		t.Errorf("VerifyTokenPairOnce() recorded an incorrect number of claims: got: %d, want: 1", len(ss.claims))
	}
}

func TestVerifyOnceExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	ss := newStubStore()
	ss.claimErr = func() error { return errors.New("transient store error") }
	p := mustCreateProtection(t, onceOptions(ss))
	pair := mustGenerate(t, p, 5*time.Minute)
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("VerifyTokenPairOnce() returned incorrect error: got: %v, want: %v", err, retry.ErrExhausted)
	}
}

func TestVerifyOnceNoStore(t *testing.T) {
	p := mustCreateProtection(t, nil)
	pair := mustGenerate(t, p, 5*time.Minute)
	if err := p.VerifyTokenPairOnce(context.Background(), pair.Cookie, pair.Form); !errors.Is(err, doublesubmit.ErrNoStore) {
		t.Errorf("VerifyTokenPairOnce() returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrNoStore)
	}
}

func TestVerifyOnceExpiredSkipsStore(t *testing.T) {
	ctx := context.Background()
	ss := newStubStore()
	p := mustCreateProtection(t, onceOptions(ss))
	now := time.Unix(1700000000, 0)
	p.Clock = func() time.Time { return now }
	pair := mustGenerate(t, p, time.Second)
	now = now.Add(2 * time.Second)
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); !errors.Is(err, doublesubmit.ErrExpired) {
		t.Errorf("VerifyTokenPairOnce() returned incorrect error: got: %v, want: %v", err, doublesubmit.ErrExpired)
	}
	if len(ss.claims) != 0 {
		t.Errorf("VerifyTokenPairOnce() recorded a claim for an expired pair: %v", ss.claims)
	}
}

func TestVerifyOnceMemoryStore(t *testing.T) {
	ctx := context.Background()
	p := mustCreateProtection(t, onceOptions(store.NewMemoryStore()))
	pair := mustGenerate(t, p, 5*time.Minute)
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); err != nil {
		t.Fatalf("VerifyTokenPairOnce() returned unexpected error: %v", err)
	}
	if err := p.VerifyTokenPairOnce(ctx, pair.Cookie, pair.Form); !errors.Is(err, store.ErrTokenUsed) {
		t.Errorf("VerifyTokenPairOnce() on replay returned incorrect error: got: %v, want: %v", err, store.ErrTokenUsed)
	}
}
