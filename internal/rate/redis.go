package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window semantics: the TTL is set only for the first hit, and
// repaired if a key somehow lost its expiry.
const incrementScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

var incrementLua = redis.NewScript(incrementScript)

// RedisStore shares buckets between gateway instances through Redis.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store writing keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		redis:  client,
		prefix: prefix,
		now:    now,
	}
}

// Increment runs the increment script for key.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	if window < time.Millisecond {
		return Window{}, ErrInvalidWindow
	}

	res, err := incrementLua.Run(ctx, s.redis, []string{s.key(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("%w: unexpected script reply length %d", ErrRedisUnavailable, len(res))
	}

	resetIn := time.Duration(res[1]) * time.Millisecond
	if resetIn > window {
		resetIn = window
	}

	return Window{
		Count:   res[0],
		Start:   s.now().Add(resetIn - window),
		ResetIn: resetIn,
	}, nil
}

// Reset deletes the bucket for key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
