package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether another request from key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

// DefaultWindow replaces a non-positive window passed to New or
// NewRedisLimiter.
const DefaultWindow = time.Minute

// sweepThreshold bounds how many idle windows accumulate before Allow drops
// the expired ones.
const sweepThreshold = 10000

type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*windowData
	mutex       sync.Mutex
	now         func() time.Time
}

func New(maxRequests int, interval time.Duration) *FixedWindowLimiter {
	if interval <= 0 {
		interval = DefaultWindow
	}
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		requests:    make(map[string]*windowData),
		now:         time.Now,
	}
}

func (rl *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	wd := rl.requests[key]

	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}

		if len(rl.requests) >= sweepThreshold {
			rl.sweep(now)
		}

		rl.requests[key] = &windowData{
			count:       1,
			windowStart: now,
		}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++

	return true
}

func (rl *FixedWindowLimiter) sweep(now time.Time) {
	for key, wd := range rl.requests {
		if now.Sub(wd.windowStart) > rl.window {
			delete(rl.requests, key)
		}
	}
}
