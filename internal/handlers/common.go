package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"automator/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusFor maps service sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, services.ErrInvalidTriggerConfig),
		errors.Is(err, services.ErrInvalidCondition),
		errors.Is(err, services.ErrUnknownTrigger):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrWebhookUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrRuleDisabled), errors.Is(err, services.ErrTriggerMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as an ErrorResponse; 5xx responses are logged and their detail hidden.
func respondError(c *gin.Context, logger *logrus.Logger, title string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.WithField("path", c.FullPath()).Errorf("%s: %v", title, err)
		msg = "internal error"
	}
	c.JSON(status, ErrorResponse{Error: title, Message: msg, Code: status})
}

// queryInt 读取整型查询参数，非法或缺失时返回默认值
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func pages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
