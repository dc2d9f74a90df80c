package payments

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the payment core can return to a caller.
type ErrorCode string

const (
	CodeInvalidParameter         ErrorCode = "INVALID_PARAMETER"
	CodeExternalKeyLimitExceeded ErrorCode = "EXTERNAL_KEY_LIMIT_EXCEEDED"
	CodeActiveTransactionKey     ErrorCode = "ACTIVE_TRANSACTION_KEY_EXISTS"
	CodeDifferentAccountID       ErrorCode = "DIFFERENT_ACCOUNT_ID"
	CodeInvalidOperation         ErrorCode = "INVALID_OPERATION"
	CodeNoSuchPayment            ErrorCode = "NO_SUCH_PAYMENT"
	CodeNoSuchSuccessPayment     ErrorCode = "NO_SUCH_SUCCESS_PAYMENT"
	CodePluginTimeout            ErrorCode = "PLUGIN_TIMEOUT"
	CodePluginAborted            ErrorCode = "PAYMENT_PLUGIN_API_ABORTED"
	CodePluginError              ErrorCode = "PAYMENT_PLUGIN_ERROR"
	CodeControlPluginError       ErrorCode = "PAYMENT_CONTROL_PLUGIN_ERROR"
)

// Error is a typed domain failure. Cause, when set, preserves the underlying
// plugin or storage error for errors.Is/As chains.
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

// Errf builds a typed error with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the domain code from err, or "" when err is not a domain error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }
