package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"automator/internal/config"
	"automator/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedRouter(rl config.RateLimitingConfig, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(rl, m))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/api/x", ok)
	r.POST("/hooks/automations/:id", ok)
	return r
}

func hit(r *gin.Engine, method, path, ip string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":1234"
	r.ServeHTTP(w, req)
	return w.Code
}

func assertDrops(t *testing.T, reg *prometheus.Registry, prefix string, n int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP automator_rate_limit_drops_total Requests rejected with HTTP 429, by route prefix.
# TYPE automator_rate_limit_drops_total counter
automator_rate_limit_drops_total{prefix=%q} %d
`, prefix, n)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "automator_rate_limit_drops_total"))
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: false}, nil)
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/api/x", "10.0.0.1"))
	}
}

func TestRateLimitMiddleware_GlobalAndPerIP(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 3}, m)

	allowed := 0
	for i := 0; i < 6; i++ {
		if hit(r, http.MethodGet, "/api/x", "10.0.0.1") == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/api/x", "10.0.0.2"), "buckets are per client")
	assertDrops(t, reg, "global", 3)
}

func TestRateLimitMiddleware_PathOverrideAndWhitelist(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	r := newLimitedRouter(config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 100,
		Burst:             100,
		Paths:             []config.PathRateLimitConfig{{Prefix: "/hooks/", RequestsPerMinute: 1, Burst: 1}},
		WhitelistIPs:      []string{"10.9.9.9"},
	}, m)

	assert.Equal(t, http.StatusOK, hit(r, http.MethodPost, "/hooks/automations/a", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, http.MethodPost, "/hooks/automations/b", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit(r, http.MethodGet, "/api/x", "10.0.0.1"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(r, http.MethodPost, "/hooks/automations/a", "10.9.9.9"))
	}
	assertDrops(t, reg, "/hooks/", 1)
}

func TestTokenBucket_Refills(t *testing.T) {
	start := time.Unix(0, 0)
	b := newBucket(60, 1, start)
	assert.True(t, b.allow(start))
	assert.False(t, b.allow(start))
	assert.False(t, b.allow(start.Add(500*time.Millisecond)))
	assert.True(t, b.allow(start.Add(1100*time.Millisecond)))
}
