// Package store provides single-use claim tracking for verified token pairs.
//
// The core verification protocol is stateless and will happily accept the
// same valid, unexpired pair any number of times. Callers that need
// at-most-once semantics supply a TokenStore (see
// Protection.VerifyTokenPairOnce), which records each consumed token value
// until its expiry.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenUsed indicates that the provided token value has already been
	// claimed (i.e., the pair was presented before).
	ErrTokenUsed = errors.New("token already used")
	// ErrTokenNotFound indicates that the provided token value has no
	// outstanding claim.
	ErrTokenNotFound = errors.New("token claim not found")
)

// TokenStore represents an abstract store of consumed token values. See
// MemoryStore and RedisStore for concrete implementations thereof.
type TokenStore interface {
	// Claim records id as consumed for the provided duration, returning
	// ErrTokenUsed if it is already recorded.
	Claim(ctx context.Context, id string, ttl time.Duration) error
	// Forget drops the claim on id (e.g., after the guarded request failed
	// for unrelated reasons and the pair should remain usable), returning
	// ErrTokenNotFound if no claim exists.
	Forget(ctx context.Context, id string) error
}
