package app

import (
	"context"
	"errors"
	"strings"

	"automator/internal/handlers"
	"automator/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Router builds the HTTP surface: health, metrics, the authenticated /api group and
// the inbound webhook endpoint.
func (a *App) Router() *gin.Engine {
	if strings.EqualFold(a.Config.Log.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(middleware.RateLimitMiddleware(a.Config.Security.RateLimiting, a.Metrics))
	if a.Config.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(a.Config.Monitoring.Tracing.ServiceName))
	}

	health := handlers.NewHealthHandler(a.Version)
	health.AddCheck("database", handlers.DatabaseCheck(a.DB))
	if a.NATS != nil {
		health.AddCheck("nats", natsCheck(a.NATS))
	}
	handlers.RegisterHealthRoutes(r, health)

	if a.Config.Monitoring.Enabled {
		path := a.Config.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{})))
	}

	automation := handlers.NewAutomationHandler(a.Service, a.Hub, a.Logger)
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(a.Config.JWT.Secret))
	handlers.RegisterAutomationRoutes(api, automation)

	handlers.RegisterWebhookRoutes(r, automation)
	return r
}

func natsCheck(nc *nats.Conn) handlers.HealthCheck {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats " + nc.Status().String())
		}
		return nil
	}
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Automation-Secret")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
