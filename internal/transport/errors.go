package transport

import (
	"fmt"
)

// 传输层错误定义
var (
	ErrSessionClosed  = NewTpError(1001, "Session is closed", "")
	ErrFrameTooLarge  = NewTpError(1003, "Frame too large", "")
	ErrSendQueueFull  = NewTpError(1004, "Send queue full", "")
	ErrInvalidAddress = NewTpError(1005, "Invalid listen address", "")
)

type tpError struct {
	code    int
	msg     string
	context string
}

func (e *tpError) Error() string {
	if e.context != "" {
		return fmt.Sprintf("Error %d: %s (context: %s)", e.code, e.msg, e.context)
	}
	return fmt.Sprintf("Error %d: %s", e.code, e.msg)
}

// Code 数字错误码
func (e *tpError) Code() int { return e.code }

// Is 按错误码比较，带 context 的副本也能匹配哨兵
func (e *tpError) Is(target error) bool {
	t, ok := target.(*tpError)
	return ok && t.code == e.code
}

// WithContext 返回附带上下文信息的副本
func (e *tpError) WithContext(ctx string) *tpError {
	return &tpError{code: e.code, msg: e.msg, context: ctx}
}

func NewTpError(code int, message string, context string) *tpError {
	return &tpError{
		code:    code,
		msg:     message,
		context: context,
	}
}
