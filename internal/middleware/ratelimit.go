package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"automator/internal/config"
	"automator/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter keeps one bucket per client key for a single rule.
type limiter struct {
	prefix  string
	rpm     int
	burst   int
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func (l *limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst, now)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow(now)
}

// RateLimitMiddleware limits requests per client IP. Paths entries override the global
// limit for matching URL prefixes; the first match wins. Drops are counted in m.
func RateLimitMiddleware(rl config.RateLimitingConfig, m *metrics.Metrics) gin.HandlerFunc {
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	var paths []*limiter
	for _, p := range rl.Paths {
		if p.Prefix == "" || p.RequestsPerMinute <= 0 {
			continue
		}
		paths = append(paths, &limiter{prefix: p.Prefix, rpm: p.RequestsPerMinute, burst: p.Burst, buckets: make(map[string]*tokenBucket)})
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = &limiter{rpm: rl.RequestsPerMinute, burst: rl.Burst, buckets: make(map[string]*tokenBucket)}
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[strings.TrimSpace(ip)] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelist[key]; ok {
			c.Next()
			return
		}

		l := global
		path := c.Request.URL.Path
		for _, p := range paths {
			if strings.HasPrefix(path, p.prefix) {
				l = p
				break
			}
		}
		if l != nil && !l.allow(key, time.Now()) {
			m.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
