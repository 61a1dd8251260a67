// Package errdefs defines the unified error type for the runtime. Every
// surfaced failure carries a stable code, an HTTP status, and optional
// structured context, so gateway handlers and trace events can map errors
// without string matching.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNoActivePrompt    Code = "NO_ACTIVE_PROMPT"
	CodeBudgetExceeded    Code = "BUDGET_EXCEEDED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeProviderError     Code = "PROVIDER_ERROR"
	CodeToolExecution     Code = "TOOL_EXECUTION_ERROR"
	CodeToolNotAllowed    Code = "TOOL_NOT_ALLOWED"
	CodeApprovalDenied    Code = "APPROVAL_DENIED"
	CodeApprovalExpired   Code = "APPROVAL_EXPIRED"
	CodeMCPConnection     Code = "MCP_CONNECTION_ERROR"
	CodeMCPToolExecution  Code = "MCP_TOOL_EXECUTION_ERROR"
	CodeMCPTimeout        Code = "MCP_TIMEOUT"
	CodeSecretNotFound    Code = "SECRET_NOT_FOUND"
	CodeWebhookPaused     Code = "WEBHOOK_PAUSED"
	CodeInternal          Code = "INTERNAL"
)

// defaultStatus maps codes to HTTP status codes.
var defaultStatus = map[Code]int{
	CodeValidation:       http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeNoActivePrompt:   http.StatusConflict,
	CodeBudgetExceeded:   http.StatusTooManyRequests,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeProviderError:    http.StatusBadGateway,
	CodeToolExecution:    http.StatusInternalServerError,
	CodeToolNotAllowed:   http.StatusForbidden,
	CodeApprovalDenied:   http.StatusForbidden,
	CodeApprovalExpired:  http.StatusGone,
	CodeMCPConnection:    http.StatusBadGateway,
	CodeMCPToolExecution: http.StatusBadGateway,
	CodeMCPTimeout:       http.StatusGatewayTimeout,
	CodeSecretNotFound:   http.StatusNotFound,
	CodeWebhookPaused:    http.StatusServiceUnavailable,
	CodeInternal:         http.StatusInternalServerError,
}

// Error is the unified runtime error.
type Error struct {
	Code       Code
	Message    string
	StatusCode int
	Cause      error
	Context    map[string]any
}

// New creates an Error with the default HTTP status for its code.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error with an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithContext attaches a structured context field.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithStatus overrides the HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// WithPermanent marks the error as permanent: retry layers must not retry
// it regardless of code.
func (e *Error) WithPermanent() *Error {
	return e.WithContext("permanent", true)
}

// IsPermanent reports whether the chain carries a permanent marker.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		v, ok := e.Context["permanent"].(bool)
		return ok && v
	}
	return false
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors sharing the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the code from an error chain, or CodeInternal if the chain
// carries no Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// StatusOf extracts the HTTP status from an error chain.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		return statusFor(e.Code)
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func statusFor(code Code) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
