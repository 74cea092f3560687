package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"automator/internal/middleware"
	"automator/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookSecretHeader carries the shared secret of a webhook rule.
const WebhookSecretHeader = "X-Automation-Secret"

// AutomationHandler 规则管理、手动触发与 webhook 入口
type AutomationHandler struct {
	service *services.AutomationService
	hub     *services.NotificationHub
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, hub *services.NotificationHub, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{service: service, hub: hub, logger: logger}
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ListRules 分页列出当前用户的规则
func (h *AutomationHandler) ListRules(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), middleware.OwnerID(c), page, pageSize)
	if err != nil {
		respondError(c, h.logger, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     rules,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages(total, pageSize),
	})
}

func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), middleware.OwnerID(c), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.service.GetRule(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// SetEnabled 启用/停用规则
func (h *AutomationHandler) SetEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if err := h.service.SetEnabled(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), *req.Enabled); err != nil {
		respondError(c, h.logger, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "updated", Data: gin.H{"enabled": *req.Enabled}})
}

// DeleteRule 默认软删除，?hard=true 时物理删除
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	hard := c.Query("hard") == "true"
	if err := h.service.DeleteRule(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), hard); err != nil {
		respondError(c, h.logger, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// FireRule runs an owned rule now; an optional JSON object body becomes the payload facts.
func (h *AutomationHandler) FireRule(c *gin.Context) {
	payload, ok := h.bindPayload(c)
	if !ok {
		return
	}
	entry, err := h.service.Fire(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), payload)
	if err != nil {
		respondError(c, h.logger, "Failed to fire rule", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *AutomationHandler) ListRuns(c *gin.Context) {
	runs, err := h.service.ListRuns(c.Request.Context(), middleware.OwnerID(c), c.Query("rule_id"), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, h.logger, "Failed to list runs", err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *AutomationHandler) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Templates())
}

// Tick 立即执行一次调度，?at=RFC3339 可指定时间
func (h *AutomationHandler) Tick(c *gin.Context) {
	now := time.Now()
	if at := c.Query("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid at", Message: err.Error()})
			return
		}
		now = t
	}
	report, err := h.service.Tick(c.Request.Context(), now)
	if err != nil {
		respondError(c, h.logger, "Tick failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Stream 订阅当前用户的实时通知
func (h *AutomationHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Unavailable", Message: "notifications disabled"})
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, middleware.OwnerID(c)); err != nil {
		h.logger.Warnf("notification stream: %v", err)
	}
}

// Webhook is the unauthenticated entry point of webhook rules; the rule's secret is
// checked against the WebhookSecretHeader.
func (h *AutomationHandler) Webhook(c *gin.Context) {
	payload, ok := h.bindPayload(c)
	if !ok {
		return
	}
	entry, err := h.service.FireWebhook(c.Request.Context(), c.Param("id"), c.GetHeader(WebhookSecretHeader), payload)
	if err != nil {
		// 不泄露规则是否存在
		if errors.Is(err, services.ErrRuleNotFound) || errors.Is(err, services.ErrTriggerMismatch) {
			err = services.ErrWebhookUnauthorized
		}
		respondError(c, h.logger, "Webhook rejected", err)
		return
	}
	c.JSON(http.StatusAccepted, entry)
}

func (h *AutomationHandler) bindPayload(c *gin.Context) (map[string]interface{}, bool) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
		return nil, false
	}
	return payload, true
}

// RegisterAutomationRoutes 注册需要登录的路由；admin 组用于 /tick
func RegisterAutomationRoutes(r *gin.RouterGroup, h *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", h.ListRules)
		auto.POST("", h.CreateRule)
		auto.GET("/runs", h.ListRuns)
		auto.GET("/templates", h.Templates)
		auto.GET("/ws", h.Stream)
		auto.POST("/tick", middleware.RequireRole("admin"), h.Tick)
		auto.GET("/:id", h.GetRule)
		auto.PUT("/:id", h.UpdateRule)
		auto.PATCH("/:id/enabled", h.SetEnabled)
		auto.DELETE("/:id", h.DeleteRule)
		auto.POST("/:id/fire", h.FireRule)
	}
}

// RegisterWebhookRoutes 注册公开的 webhook 入口
func RegisterWebhookRoutes(r gin.IRoutes, h *AutomationHandler) {
	r.POST("/hooks/automations/:id", h.Webhook)
}
