package mgmt

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BucketRefills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(RateLimitConfig{RPS: 2, Burst: 2}, func() time.Time { return now })

	ok, _ := rl.allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok)
	ok, wait := rl.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 1, wait)

	ok, _ = rl.allow("10.0.0.2")
	assert.True(t, ok, "buckets are per client")

	now = now.Add(500 * time.Millisecond)
	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok)
}

func TestRateLimiter_PrunesIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(RateLimitConfig{RPS: 1}, func() time.Time { return now })

	rl.allow("a")
	rl.allow("b")
	assert.Equal(t, 2, rl.size())

	now = now.Add(bucketIdle + time.Minute)
	rl.allow("c")
	assert.Equal(t, 1, rl.size())
}

func TestRateLimit_Middleware(t *testing.T) {
	app := testServer(t, testOptions{rateLimit: RateLimitConfig{RPS: 1, Burst: 1}})

	resp, _ := do(t, app, "GET", "/api/v1/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := do(t, app, "GET", "/api/v1/config", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Contains(t, string(raw), "rate_limit_exceeded")

	// probes bypass the limiter
	resp, _ = do(t, app, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
