package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// hitScript trims the window, checks the count, and admits in one
// server-side step, so two racing requests at the ceiling cannot both
// slip under it. Returns {1, remaining} on admit and {0, oldest score}
// on reject; the oldest score is a string to survive Lua's integer
// conversion of nanosecond timestamps.
var hitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[2])
if count < limit then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return {1, limit - count - 1}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
	return {0, tostring(oldest[2])}
end
return {0, '0'}
`)

// redisCounter is a sorted-set sliding window counter shared across
// instances.
type redisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a redis-backed Counter.
func NewRedisCounter(client *redis.Client) Counter {
	return &redisCounter{client: client}
}

var _ Counter = (*redisCounter)(nil)

func (c *redisCounter) Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	fullKey := redisKeyPrefix + key
	now := time.Now().UnixNano()
	windowStart := now - window.Nanoseconds()

	raw, err := hitScript.Run(ctx, c.client,
		[]string{fullKey},
		windowStart, limit, now, window.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(raw) != 2 {
		return Decision{}, fmt.Errorf("unexpected script reply of length %d", len(raw))
	}

	allowed, ok := raw[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected script reply %T", raw[0])
	}

	if allowed == 1 {
		remaining, _ := raw[1].(int64)
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}

	retryAfter := window
	if oldest, ok := raw[1].(string); ok {
		if score, err := strconv.ParseFloat(oldest, 64); err == nil {
			if age := time.Duration(now - int64(score)); age >= 0 && age < window {
				retryAfter = window - age
			}
		}
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
}
