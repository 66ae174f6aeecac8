package exchange

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a client-side token bucket for exchange REST calls.
// The live executor takes a token before every order request so the
// engine stays under the exchange request budget regardless of how many
// positions fire at once.
type RateLimiter struct {
	mu sync.Mutex

	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	// Request tracking
	requestCount int64
	deniedCount  int64
}

// NewRateLimiter creates a limiter allowing ratePerSecond requests with a
// burst of the same size.
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(ratePerSecond),
		maxTokens:  float64(ratePerSecond),
		refillRate: float64(ratePerSecond),
		lastRefill: time.Now(),
	}
}

func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// TryAcquire takes a token without blocking. Returns false and a suggested
// wait time when the bucket is empty.
func (rl *RateLimiter) TryAcquire() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		rl.requestCount++
		return true, 0
	}

	rl.deniedCount++
	wait := time.Duration((1 - rl.tokens) / rl.refillRate * float64(time.Second))
	return false, wait
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := rl.TryAcquire()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Stats returns acquired/denied counters.
func (rl *RateLimiter) Stats() (requests, denied int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.requestCount, rl.deniedCount
}
