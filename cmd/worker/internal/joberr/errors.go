// Package joberr 定义作业处理过程中的错误分类
//
// 每个错误携带 Kind（决定重试/失败策略）和 Code（面向日志与状态的错误代码）。
package joberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Kind 错误类别，决定编排器的处理方式
type Kind string

const (
	// KindTransient 瞬时错误（超时、限流、5xx），按退避策略重试
	KindTransient Kind = "transient"

	// KindInputInvalid 输入无效（空文件、格式损坏、对象不存在），立即失败不重试
	KindInputInvalid Kind = "input_invalid"

	// KindQuality 质量不达标（摘要长度越界），仅跳过摘要
	KindQuality Kind = "quality"

	// KindConflict 认领冲突，静默跳过
	KindConflict Kind = "conflict"

	// KindFatal 不可恢复错误
	KindFatal Kind = "fatal"
)

// Code 错误代码
type Code string

const (
	DOWNLOAD_FAILED     Code = "DOWNLOAD_FAILED"
	AUDIO_CORRUPTED     Code = "AUDIO_CORRUPTED"
	PREPROCESS_FAILED   Code = "PREPROCESS_FAILED"
	DECODER_UNAVAILABLE Code = "DECODER_UNAVAILABLE"
	STT_UNAVAILABLE     Code = "STT_UNAVAILABLE"
	STT_FAILED          Code = "STT_FAILED"
	ALIGN_FAILED        Code = "ALIGN_FAILED"
	EMPTY_TRANSCRIPT    Code = "EMPTY_TRANSCRIPT"
	SUMMARY_UNAVAILABLE Code = "SUMMARY_UNAVAILABLE"
	SUMMARY_QUALITY     Code = "SUMMARY_QUALITY"
	SUMMARY_FAILED      Code = "SUMMARY_FAILED"
	STORE_FAILED        Code = "STORE_FAILED"
	JOB_CONFLICT        Code = "JOB_CONFLICT"
	RETRY_EXHAUSTED     Code = "RETRY_EXHAUSTED"
	UNKNOWN             Code = "UNKNOWN"
)

// Error 作业处理错误
type Error struct {
	Kind      Kind      `json:"kind"`
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现错误链支持
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable 仅瞬时错误可重试
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// New 创建新的作业错误
func New(kind Kind, code Code, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// Transient 创建瞬时错误
func Transient(code Code, message string, cause error) *Error {
	return New(KindTransient, code, message, cause)
}

// InputInvalid 创建输入无效错误
func InputInvalid(code Code, message string, cause error) *Error {
	return New(KindInputInvalid, code, message, cause)
}

// Quality 创建质量错误
func Quality(code Code, message string, cause error) *Error {
	return New(KindQuality, code, message, cause)
}

// Conflict 创建认领冲突错误
func Conflict(message string, cause error) *Error {
	return New(KindConflict, JOB_CONFLICT, message, cause)
}

// Fatal 创建不可恢复错误
func Fatal(code Code, message string, cause error) *Error {
	return New(KindFatal, code, message, cause)
}

// KindOf 沿错误链查找分类；超时类错误视为瞬时，未知错误视为不可恢复
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindFatal
}

// CodeOf 返回错误链中第一个作业错误的代码
func CodeOf(err error) Code {
	var je *Error
	if errors.As(err, &je) {
		return je.Code
	}
	return UNKNOWN
}

// IsRetryable 判断错误是否值得重试
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Is 判断错误是否属于指定分类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
