package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based claim store, implementing the TokenStore
// interface. Claims expire server-side via key TTLs, so the store needs no
// garbage collection of its own.
type RedisStore struct {
	rc     *redis.Client
	prefix string
}

// NewRedisStore returns a new RedisStore using the provided client. Keys
// will be stored with the provided prefix.
func NewRedisStore(rc *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rc: rc, prefix: prefix}
}

func (rs *RedisStore) claimKey(id string) string {
	return fmt.Sprintf("%s:%s", rs.prefix, id)
}

// Claim records id as consumed for the provided TTL. SET NX makes the claim
// atomic: exactly one concurrent caller wins, all others observe
// ErrTokenUsed.
func (rs *RedisStore) Claim(ctx context.Context, id string, ttl time.Duration) error {
	set, err := rs.rc.SetNX(ctx, rs.claimKey(id), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store token claim to Redis: %w", err)
	}
	if !set {
		return ErrTokenUsed
	}
	return nil
}

// Forget drops the claim on id, returning ErrTokenNotFound if none exists.
func (rs *RedisStore) Forget(ctx context.Context, id string) error {
	r := rs.rc.Del(ctx, rs.claimKey(id))
	if err := r.Err(); err != nil {
		return err
	}
	if r.Val() != 1 {
		return ErrTokenNotFound
	}
	return nil
}
