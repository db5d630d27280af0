package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable kind of an engine error. Failed
// backtest reports persist the code alongside the human message.
type ErrorCode string

const (
	ErrCodeStrategyCompile  ErrorCode = "STRATEGY_COMPILE_ERROR"
	ErrCodeMissingData      ErrorCode = "MISSING_DATA"
	ErrCodeEmptyUniverse    ErrorCode = "EMPTY_UNIVERSE"
	ErrCodeInsufficientCash ErrorCode = "INSUFFICIENT_CASH"
	ErrCodeBacktestTimeout  ErrorCode = "BACKTEST_TIMEOUT"
	ErrCodeTransientIO      ErrorCode = "TRANSIENT_IO"
	ErrCodeCorruptCurve     ErrorCode = "CORRUPT_CURVE"
)

// Error carries a code, a human message and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, or empty string for uncoded errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
