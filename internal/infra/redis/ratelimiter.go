package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/civic-notify/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:recipient:"

// KEYS[1] sorted set of hit timestamps (ms). ARGV: now, window, limit, member.
var slidingWindowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local current = redis.call("ZCARD", KEYS[1])
if current >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

var _ ratelimit.RecipientLimiter = (*RecipientRateLimiter)(nil)

// RecipientRateLimiter is a sliding-window per-recipient limiter shared by
// every instance through Redis.
type RecipientRateLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	script *goredis.Script
}

func NewRecipientRateLimiter(client *goredis.Client, limit int) (*RecipientRateLimiter, error) {
	return newRecipientRateLimiter(client, int64(limit), ratelimit.Window, time.Now)
}

func newRecipientRateLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
) (*RecipientRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = ratelimit.DefaultLimit
	}
	if window <= 0 {
		window = ratelimit.Window
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RecipientRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		script: slidingWindowScript,
	}, nil
}

func (r *RecipientRateLimiter) CanSend(ctx context.Context, recipientKey string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	key := ratelimit.NormalizeKey(recipientKey)
	if key == "" {
		return false, fmt.Errorf("recipient key is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	result, err := r.script.Run(
		ctx,
		r.client,
		[]string{keyPrefix + key},
		r.now().UnixMilli(),
		r.window.Milliseconds(),
		r.limit,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
