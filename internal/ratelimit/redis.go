package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crapless.app/cloud/internal/logger"
)

var ErrRedisNotReady = errors.New("redis is not ready")

// Connect parses url and pings the server, retrying a few times while Redis
// starts up.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for attempt := 1; attempt <= 3; attempt++ {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}

	return nil, ErrRedisNotReady
}

// RedisLimiter is a fixed-window limiter whose counters live in Redis, so
// every instance behind a load balancer shares the same window.
type RedisLimiter struct {
	client      redis.UniversalClient
	maxRequests int
	window      time.Duration
	prefix      string
	now         func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, maxRequests int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{
		client:      client,
		maxRequests: maxRequests,
		window:      window,
		prefix:      "ratelimit:",
		now:         time.Now,
	}
}

// Allow fails open: when Redis is unreachable the request is let through and
// the error is logged.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if rl.maxRequests == 0 {
		return false
	}

	bucket := rl.now().UnixNano() / int64(rl.window)
	redisKey := fmt.Sprintf("%s%s:%d", rl.prefix, key, bucket)

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, rl.window)
		return nil
	})
	if err != nil {
		logger.Warn("Rate limiter unavailable, allowing request", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}

	return incr.Val() <= int64(rl.maxRequests)
}
