package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable failure class. Codes survive
// retries and are what callers should branch on.
type ErrorCode string

const (
	CodeInvalidParameter    ErrorCode = "INVALID_PARAMETER"
	CodePaymentNotFound     ErrorCode = "PAYMENT_NOT_FOUND"
	CodeTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeInvalidStateChange  ErrorCode = "INVALID_STATE_CHANGE"
	CodeDuplicateKey        ErrorCode = "DUPLICATE_EXTERNAL_KEY"
	CodeAccountLocked       ErrorCode = "ACCOUNT_LOCKED"
	CodePluginTimeout       ErrorCode = "PLUGIN_TIMEOUT"
	CodePluginFailure       ErrorCode = "PLUGIN_FAILURE"
	CodePaymentFailure      ErrorCode = "PAYMENT_FAILURE"
	CodeDataConsistency     ErrorCode = "DATA_CONSISTENCY"
	CodeOperationAborted    ErrorCode = "OPERATION_ABORTED"
)

// Error is the payment failure type carried across the service boundary.
type Error struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func WrapErr(code ErrorCode, cause error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// CodeOf extracts the ErrorCode from err, or empty.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

var (
	ErrPaymentNotFound     = errors.New("payment_not_found")
	ErrTransactionNotFound = errors.New("payment_transaction_not_found")
	ErrPluginNotFound      = errors.New("payment_plugin_not_found")
)
