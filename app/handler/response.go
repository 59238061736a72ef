package handler

import (
	"errors"
	"net/http"

	"audio-forge/app/service"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的API响应格式
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

func success(c *gin.Context, status int, data any, message string) {
	c.JSON(status, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, ApiResponse{
		Code:    status,
		Message: message,
		Data:    nil,
	})
}

// statusFor 将业务错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case service.IsValidation(err), errors.Is(err, service.ErrLanguageNotInJob):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func failWith(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "服务器内部错误"
	}
	fail(c, status, message)
}
