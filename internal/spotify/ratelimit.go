package spotify

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock implements Clock using the standard time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

const (
	// DefaultQPS is a safe steady-state request rate for the Web API.
	DefaultQPS = 5.0

	// MinQPS is the minimum allowed QPS to prevent division by zero.
	MinQPS = 0.1

	// throttleRecoveryFactor reduces the refill rate while recovering
	// from a throttle window.
	throttleRecoveryFactor = 0.5

	// minWait is the minimum wait when tokens are insufficient.
	minWait = 10 * time.Millisecond
)

// RateLimiter is a token bucket limiter for API requests, one token per
// request. It is safe for concurrent use and supports adaptive
// throttling when the API pushes back.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64 // tokens per second
	baseRefillRate float64 // original rate for recovery
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter allowing qps sustained requests with
// a small burst. QPS is clamped to MinQPS.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("spotify: RateLimiter requires a non-nil Clock")
	}
	if qps < MinQPS {
		qps = MinQPS
	}

	capacity := qps * 2
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		clock:          clk,
		tokens:         capacity,
		capacity:       capacity,
		refillRate:     qps,
		baseRefillRate: qps,
		lastRefill:     clk.Now(),
	}
}

// reserve takes one token, or returns how long to wait before retrying.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}

	deficit := 1 - r.tokens
	waitTime := time.Duration(deficit / r.refillRate * float64(time.Second))
	if waitTime < minWait {
		waitTime = minWait
	}
	return waitTime
}

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		waitTime := r.reserve()
		if waitTime == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(waitTime):
		}
	}
}

// refill adds tokens based on elapsed time. Must be called with the
// lock held.
func (r *RateLimiter) refill() {
	now := r.clock.Now()

	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}

	// Throttle just expired: restore the base rate.
	if r.refillRate < r.baseRefillRate && !r.throttledUntil.IsZero() {
		r.refillRate = r.baseRefillRate
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}

// Available returns the current token count.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// Throttle pauses the limiter for duration in response to a 429,
// draining tokens and halving the refill rate for gradual recovery. An
// existing longer throttle window is never shortened.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	end := now.Add(duration)
	if end.After(r.throttledUntil) {
		r.throttledUntil = end
	}

	// Don't credit the throttle window as elapsed refill time.
	r.lastRefill = r.throttledUntil

	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
