package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding window over a sorted set scored by event time in milliseconds.
// Trims expired events, then adds the new one only if the window has room.
const slidingWindowLuaScript = `
local key = KEYS[1]
local now = ARGV[1]
local cutoff = ARGV[2]
local window = ARGV[3]
local limit = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)

local current = redis.call("ZCARD", key)
if current >= limit then
    return {0, current}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)

return {1, current + 1}
`

// RedisLimiter shares sliding windows between instances through Redis
type RedisLimiter struct {
	client *redis.Client
	config Config
	prefix string
	script *redis.Script
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisLimiter creates a rate limiter backed by Redis
func NewRedisLimiter(client *redis.Client, cfg Config, logger *slog.Logger) *RedisLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}

	return &RedisLimiter{
		client: client,
		config: cfg,
		prefix: "mailgate:ratelimit:",
		script: redis.NewScript(slidingWindowLuaScript),
		logger: logger.With("component", "ratelimit", "backend", "redis"),
		now:    time.Now,
	}
}

// Allow atomically trims the window and records the event if it has room
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	window := l.config.Window.Milliseconds()

	result, err := l.script.Run(ctx, l.client,
		[]string{l.prefix + key},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now-window, 10),
		strconv.FormatInt(window, 10),
		l.config.Limit,
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) != 2 {
		return false, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	return allowed == 1, nil
}

// Count returns the events within the window without recording one
func (l *RedisLimiter) Count(ctx context.Context, key string) (int, error) {
	now := l.now().UnixMilli()
	minScore := "(" + strconv.FormatInt(now-l.config.Window.Milliseconds(), 10)

	n, err := l.client.ZCount(ctx, l.prefix+key, minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit count failed: %w", err)
	}
	return int(n), nil
}

// Undo removes the highest scored, most recent, event for key
func (l *RedisLimiter) Undo(ctx context.Context, key string) error {
	if err := l.client.ZPopMax(ctx, l.prefix+key, 1).Err(); err != nil {
		return fmt.Errorf("rate limit undo failed: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller
func (l *RedisLimiter) Close() error {
	return nil
}
