package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters in Redis so several processes sharing one
// channel account also share its limits. Expiry is delegated to key TTLs.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

var _ CounterStore = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix. Default: "courier:ratelimit".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore creates a RedisStore on top of an existing client.
func NewRedisStore(rdb redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "courier:ratelimit",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(identity string, w Window) string {
	return s.prefix + ":" + identity + ":" + w.String()
}

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, identity string, w Window, now time.Time) (Counter, error) {
	key := s.key(identity, w)

	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counter{}, err
	}

	n, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return Counter{}, nil
	}
	if err != nil {
		return Counter{}, err
	}

	left := ttl.Val()
	if left <= 0 {
		return Counter{}, nil
	}
	return Counter{Count: n, ResetAt: now.Add(left)}, nil
}

// Incr implements CounterStore. The TTL is only set when the key is new so
// the window keeps its original reset time.
func (s *RedisStore) Incr(ctx context.Context, identity string, w Window, now time.Time) (Counter, error) {
	key := s.key(identity, w)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, w.Duration())
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counter{}, err
	}

	return Counter{Count: int(incr.Val()), ResetAt: now.Add(ttl.Val())}, nil
}

// Clear implements CounterStore.
func (s *RedisStore) Clear(ctx context.Context, identity string) error {
	keys := make([]string, 0, len(Windows))
	for _, w := range Windows {
		keys = append(keys, s.key(identity, w))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Sweep implements CounterStore. Redis expires keys on its own.
func (s *RedisStore) Sweep(time.Time) int {
	return 0
}
