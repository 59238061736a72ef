package service

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("任务不存在")
	ErrConflict          = errors.New("任务被并发修改，请重试")
	ErrInvalidTransition = errors.New("非法的语言状态转换")
	ErrLanguageNotInJob  = errors.New("任务不包含该语言")
	ErrJobCancelled      = errors.New("任务已取消")
	ErrNotOwner          = errors.New("语言已由其他处理器接管")
	ErrQueueFull         = errors.New("处理队列已满")

	// ErrNoChange 由变更函数返回，表示无需写库
	ErrNoChange = errors.New("无变更")
)

// ValidationError 请求参数校验失败
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation 是否为参数校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
