package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per client, scored by admission time in ms.
// KEYS[1] bucket key; ARGV: now_ms, window_ms, limit, member.
// Returns {allowed (0|1), retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisLimiter shares the sliding-window budget across service instances.
type RedisLimiter struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		cfg:    cfg.withDefaults(),
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

func (l *RedisLimiter) Admit(ctx context.Context, clientKey string) (Decision, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + clientKey},
		now, l.cfg.Window.Milliseconds(), l.cfg.Limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis admit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis admit: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
