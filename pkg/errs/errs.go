// Package errs 定义了检索流水线在能力边界上使用的分类错误。
//
// 适配器内部仍然使用 fmt.Errorf("...: %w") 逐层包装，只有跨越组件边界
// （embedding、向量库、生成、编排器）时才转换为 *Error，调用方通过 Code
// 区分失败类别，通过 Transient 决定是否重试。
package errs

import (
	"errors"
	"fmt"
)

// Code 是稳定的错误类别，会原样出现在 HTTP 响应的 error_code 字段中。
type Code string

const (
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeIngestionInProgress    Code = "INGESTION_IN_PROGRESS"
	CodeDimensionMismatch      Code = "DIMENSION_MISMATCH"
	CodeEmbeddingFailed        Code = "EMBEDDING_FAILED"
	CodeGenerationFailed       Code = "GENERATION_FAILED"
	CodeVectorStoreUnavailable Code = "VECTOR_STORE_UNAVAILABLE"
	CodeVectorStoreRejected    Code = "VECTOR_STORE_REJECTED"
	CodeRetrievalFailed        Code = "RETRIEVAL_FAILED"
)

// Error 携带类别、发生位置和是否可重试。
type Error struct {
	Code      Code
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E 构造一个不可重试的错误。
func E(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Transient 构造一个可重试的错误（网络抖动、限流、5xx 等）。
func Transient(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Transient: true, Err: err}
}

// Errorf 以格式化消息构造不可重试的错误。
func Errorf(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf 返回错误链中最外层 *Error 的类别，没有时返回空字符串。
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is 判断错误链中是否存在指定类别的 *Error。
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient 判断错误是否值得重试。
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// Wrap 在 err 尚未分类时以 code 包装，已分类的错误原样返回。
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return E(code, op, err)
}
