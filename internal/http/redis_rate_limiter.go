package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindowScript counts one hit and returns the new count with the window's
// remaining milliseconds. The expiry is set only by the first hit, so the
// window never slides.
var fixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisRateLimiter constructs a limiter shared by every API instance that
// points at the same Redis. Redis errors fail open.
func NewRedisRateLimiter(ctx context.Context, client *redis.Client, logger *slog.Logger) (RateLimiter, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  "peep:ratelimit:",
		timeout: 250 * time.Millisecond,
		now:     time.Now,
	}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	count, ttl, err := rl.hit(ctx, rl.prefix+key, window)
	if err != nil {
		rl.logger.Error("redis rate limiter error", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	if ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: rl.now().Add(ttl),
	}
}

func (rl *redisRateLimiter) hit(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, rl.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	count, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected count %T", res[0])
	}
	pttl, ok := res[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected ttl %T", res[1])
	}
	return int(count), time.Duration(pttl) * time.Millisecond, nil
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
