// Package apperr 定义语音对话链路的错误分类。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindDecode              Kind = "DecodeError"
	KindInference           Kind = "InferenceError"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindSynthesis           Kind = "SynthesisError"
	KindToolNotFound        Kind = "ToolNotFound"
	KindToolExecution       Kind = "ToolExecutionError"
	KindGatewayUnavailable  Kind = "GatewayUnavailable"
	KindEmptyResponse       Kind = "EmptyResponse"
	KindNotFound            Kind = "NotFound"
	KindPersistence         Kind = "PersistenceError"
)

// 每个类别对应一个哨兵错误，供 errors.Is 判断。
var (
	ErrDecode              = &Error{Kind: KindDecode}
	ErrInference           = &Error{Kind: KindInference}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrSynthesis           = &Error{Kind: KindSynthesis}
	ErrToolNotFound        = &Error{Kind: KindToolNotFound}
	ErrToolExecution       = &Error{Kind: KindToolExecution}
	ErrGatewayUnavailable  = &Error{Kind: KindGatewayUnavailable}
	ErrEmptyResponse       = &Error{Kind: KindEmptyResponse}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrPersistence         = &Error{Kind: KindPersistence}
)

// Error 带类别的错误
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New 创建一个类别错误
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap 将底层错误包装为类别错误，message 为空时沿用底层错误信息。
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf 使用格式化信息创建类别错误
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Detail 返回不含操作前缀的信息，适合回传给调用方。
func (e *Error) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按类别匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf 提取错误链上的第一个类别，未分类时返回空字符串。
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Message 返回适合展示给调用方的错误信息
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Detail()
	}
	return err.Error()
}
