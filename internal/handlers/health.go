package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthCheck probes one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

// HealthHandler 健康检查与就绪检查
type HealthHandler struct {
	version string
	started time.Time
	mu      sync.RWMutex
	checks  map[string]HealthCheck
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, started: time.Now(), checks: make(map[string]HealthCheck)}
}

// AddCheck registers a named dependency probe used by both /health and /ready.
func (h *HealthHandler) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// DatabaseCheck pings the connection pool behind db.
func DatabaseCheck(db *gorm.DB) HealthCheck {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
	Services  map[string]ServiceInfo `json:"services"`
}

// ServiceInfo 单个依赖的检查结果
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *HealthHandler) run(ctx context.Context) (map[string]ServiceInfo, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]ServiceInfo, len(names))
	healthy := true
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		start := time.Now()
		info := ServiceInfo{Status: "healthy"}
		if err := check(ctx); err != nil {
			info.Status = "unhealthy"
			info.Error = err.Error()
			healthy = false
		}
		info.Latency = time.Since(start).String()
		out[name] = info
	}
	return out, healthy
}

// Health 部分依赖不可用时仍返回 200，状态为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	svcs, healthy := h.run(ctx)
	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
		GoVersion: runtime.Version(),
		Services:  svcs,
	}
	if !healthy {
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}

// Ready 任一依赖不可用即返回 503
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	svcs, ready := h.run(ctx)
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  svcs,
	})
}

// RegisterHealthRoutes 注册 /health 与 /ready
func RegisterHealthRoutes(r gin.IRoutes, h *HealthHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
