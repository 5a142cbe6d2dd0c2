package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/searchgate/searchgate/internal/metrics"
)

// slidingWindowScript prunes, counts and conditionally records in a single
// server-side step. Each request is a sorted-set member scored by its
// timestamp in milliseconds.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
// returns {allowed, count, oldest (ms)}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end

if count > 0 then
	redis.call('PEXPIRE', key, window)
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end

return {allowed, count, oldest}
`)

// RedisCounter implements Counter with a Redis sorted set per key.
type RedisCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisCounter creates a Redis-backed sliding-window counter.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (c *RedisCounter) WithClock(now func() time.Time) *RedisCounter {
	c.now = now
	return c
}

// CheckAndRecord runs the sliding-window script for key.
func (c *RedisCounter) CheckAndRecord(ctx context.Context, key string, limit int, window time.Duration) (CounterResult, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("sliding_window", time.Since(start)) }()

	now := c.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, c.client, []string{key},
		nowMs,
		window.Milliseconds(),
		limit,
		member,
	).Int64Slice()
	if err != nil {
		return CounterResult{}, fmt.Errorf("sliding window check failed for %s: %w", key, err)
	}
	if len(vals) != 3 {
		return CounterResult{}, fmt.Errorf("sliding window check for %s returned %d values", key, len(vals))
	}

	return CounterResult{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
		ResetAt: time.UnixMilli(vals[2]).Add(window),
	}, nil
}

// Count returns the number of requests still inside the window.
func (c *RedisCounter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("count", time.Since(start)) }()

	minScore := "(" + strconv.FormatInt(c.now().Add(-window).UnixMilli(), 10)
	n, err := c.client.ZCount(ctx, key, minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("sliding window count failed for %s: %w", key, err)
	}
	return int(n), nil
}

// Reset removes the window for key.
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("sliding window reset failed for %s: %w", key, err)
	}
	return nil
}
