package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface the judge needs from Redis.
// Get returns "" with a nil error on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string) (int64, error)
	// Eval runs a Lua script atomically on the server.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	Ping(ctx context.Context) error
	Close() error
}
