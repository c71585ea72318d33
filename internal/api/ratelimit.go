package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per operator
type RateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	requestsPerSecond float64
	burstSize         int
	maxKeys           int
}

// NewRateLimiter creates a limiter. Non-positive values fall back to
// 5 requests per second with a burst of 10.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burstSize:         burst,
		maxKeys:           10000,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// bound memory when keyed by client address
	if len(rl.limiters) >= rl.maxKeys {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burstSize)
		rl.limiters[key] = limiter
	}
	return limiter.Allow()
}
