package service

import (
	"errors"
	"fmt"

	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/xerrors"
)

// Code 返回给发起方的错误分类
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeValidationFailed   Code = "validation_failed"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal"
)

// Error 业务错误。Message 可直接展示给客户端，Err 只用于日志。
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造业务错误
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf 提取错误分类，非业务错误一律视为 internal
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf 提取可展示的错误信息
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func forbidden(message string) *Error {
	return NewError(CodeForbidden, message, nil)
}

func invalid(message string, err error) *Error {
	return NewError(CodeValidationFailed, message, err)
}

// storageError 把数据层错误映射为业务错误：记录不存在 → not_found，其余 → storage_unavailable
func storageError(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NewError(CodeNotFound, fmt.Sprintf(format, args...)+" not found", err)
	}
	return NewError(CodeStorageUnavailable, "storage unavailable", xerrors.Wrapf(err, format, args...))
}

// errNotVisible 对查看者不可见的消息按不存在处理
func errNotVisible(messageID int64) error {
	return fmt.Errorf("message %d: %w", messageID, repo.ErrNotFound)
}
