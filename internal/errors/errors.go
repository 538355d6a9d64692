package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 每个错误只回报给发起操作的连接，不会扩散到其他参与者
type AppError struct {
	Code    int    // 错误码
	Message string // 客户端可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 保留错误码，替换客户端可见消息
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrServer.Message
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeAuth         = 10001
	CodeTokenExpired = 10002

	// 权限相关 11000-11999
	CodeAccessDenied = 11001

	// 消息相关 12000-12999
	CodeRecipientNotFound = 12001

	// 参数校验 13000-13999
	CodeValidation = 13001

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodePersistence = 50002
)

// ============== 预定义错误 ==============

var (
	ErrAuth              = NewError(CodeAuth, "authentication failed")
	ErrTokenExpired      = NewError(CodeTokenExpired, "token expired")
	ErrAccessDenied      = NewError(CodeAccessDenied, "access denied to conversation")
	ErrRecipientNotFound = NewError(CodeRecipientNotFound, "recipient not found")
	ErrValidation        = NewError(CodeValidation, "invalid request")
	ErrPersistence       = NewError(CodePersistence, "failed to store message")
	ErrServer            = NewError(CodeServerError, "internal server error")
)
