package mgmt

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

const (
	bucketIdle = 10 * time.Minute
	pruneEvery = 5 * time.Minute
)

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// rateLimiter keeps one token bucket per client IP. Idle buckets are pruned
// on the request path so the limiter owns no goroutine.
type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*tokenBucket
	rate      float64
	burst     float64
	lastPrune time.Time
	now       func() time.Time
}

func newRateLimiter(cfg RateLimitConfig, now func() time.Time) *rateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = cfg.RPS
	}
	return &rateLimiter{
		clients:   make(map[string]*tokenBucket),
		rate:      float64(cfg.RPS),
		burst:     float64(cfg.Burst),
		lastPrune: now(),
		now:       now,
	}
}

// allow takes a token for client and reports the seconds until the next one
// when none is left.
func (rl *rateLimiter) allow(client string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) > pruneEvery {
		for k, b := range rl.clients {
			if now.Sub(b.lastRefill) > bucketIdle {
				delete(rl.clients, k)
			}
		}
		rl.lastPrune = now
	}

	b, ok := rl.clients[client]
	if !ok {
		b = &tokenBucket{tokens: rl.burst, lastRefill: now}
		rl.clients[client] = b
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.lastRefill).Seconds()*rl.rate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, int(math.Ceil((1 - b.tokens) / rl.rate))
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	return rateLimitHandler(newRateLimiter(cfg, time.Now))
}

func rateLimitHandler(rl *rateLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		if ok, wait := rl.allow(c.IP()); !ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(wait))
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
