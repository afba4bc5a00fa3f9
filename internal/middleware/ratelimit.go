package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"beanbrain/internal/config"
	"beanbrain/internal/metrics"
)

// tokenBucket is a simple token bucket used for per-client rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimitMiddleware enables per-IP rate limiting using a token bucket.
// It is controlled by cfg.Security.RateLimiting. If disabled, it no-ops.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
	)
	getBucket := func(key string) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := buckets[key]; ok {
			return b
		}
		b := newBucket(rl.RequestsPerMinute, rl.Burst)
		buckets[key] = b
		return b
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !getBucket(key).allow() {
			metrics.IncRateLimitDrop(routePrefix(c))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// routePrefix buckets drop counters by the first two path segments, so
// /api/automations/abc and /api/automations/def count together.
func routePrefix(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + parts[0]
}
