package infra

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Thread-safe.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter allows bursts of maxBurst requests, refilling at
// perSecond.
func NewRateLimiter(maxBurst int, perSecond float64) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(maxBurst),
		maxTokens:  float64(maxBurst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		need := (1 - r.tokens) / r.refillRate
		r.mu.Unlock()

		timer := time.NewTimer(time.Duration(need * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// refill must be called with the mutex held.
func (r *RateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

// Binance spot is weight-limited (1200/min); these buckets stay well under
// that while keeping order flow separate from market data polling.
var (
	binanceOrderLimiter   *RateLimiter
	binanceAccountLimiter *RateLimiter
	binanceMarketLimiter  *RateLimiter
	limiterOnce           sync.Once
)

func initBinanceLimiters() {
	binanceOrderLimiter = NewRateLimiter(5, 10)
	binanceAccountLimiter = NewRateLimiter(5, 5)
	binanceMarketLimiter = NewRateLimiter(10, 20)
}

// BinanceOrderLimiter paces order placement and cancellation.
func BinanceOrderLimiter() *RateLimiter {
	limiterOnce.Do(initBinanceLimiters)
	return binanceOrderLimiter
}

// BinanceAccountLimiter paces account state queries.
func BinanceAccountLimiter() *RateLimiter {
	limiterOnce.Do(initBinanceLimiters)
	return binanceAccountLimiter
}

// BinanceMarketLimiter paces public market data requests.
func BinanceMarketLimiter() *RateLimiter {
	limiterOnce.Do(initBinanceLimiters)
	return binanceMarketLimiter
}
