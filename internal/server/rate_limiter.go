// Package server implements a token bucket that paces echoes for a single
// session without ever dropping a message.
package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

// newRateLimiter returns nil when capacity is zero, which disables pacing.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
		now:       time.Now,
	}
}

// reserve takes one token and reports how long the caller must wait before
// the token is actually available. The bucket may go negative, so successive
// reservations queue up behind one another.
func (rl *rateLimiter) reserve() time.Duration {
	if rl == nil {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	rl.tokens--
	if rl.tokens >= 0 {
		return 0
	}

	return time.Duration(-rl.tokens / rl.rate * float64(time.Second))
}

// wait blocks until a token is available.
func (rl *rateLimiter) wait() {
	if delay := rl.reserve(); delay > 0 {
		time.Sleep(delay)
	}
}
