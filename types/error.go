package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request / entitlement error codes
const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrForbidden           ErrorCode = "FORBIDDEN"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrConflict            ErrorCode = "CONFLICT"
	ErrInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrNotPurchasable      ErrorCode = "NOT_PURCHASABLE"
	ErrAlreadyOwned        ErrorCode = "ALREADY_OWNED"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
)

// Upstream / infrastructure error codes
const (
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCacheUnavailable   ErrorCode = "CACHE_UNAVAILABLE"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// CreditShortfall 描述一次被拒绝的扣费：需要多少、账户里有多少。
type CreditShortfall struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

func (s *CreditShortfall) Error() string {
	return fmt.Sprintf("required %d credits, available %d", s.Required, s.Available)
}

// NewNotFoundError 创建资源不存在错误，resource 例如 "agent"、"user"。
func NewNotFoundError(resource, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s %q not found", resource, id)).
		WithHTTPStatus(http.StatusNotFound)
}

// NewForbiddenError 创建无权限错误。
func NewForbiddenError(message string) *Error {
	return NewError(ErrForbidden, message).WithHTTPStatus(http.StatusForbidden)
}

// NewValidationError 创建参数校验错误。
func NewValidationError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(http.StatusBadRequest)
}

// NewInsufficientCreditsError 创建余额不足错误，required/available 可通过 AsInsufficientCredits 取回。
func NewInsufficientCreditsError(required, available int64) *Error {
	return NewError(ErrInsufficientCredits, "insufficient credits").
		WithHTTPStatus(http.StatusPaymentRequired).
		WithCause(&CreditShortfall{Required: required, Available: available})
}

// NewUpstreamError 创建上游模型服务错误。
func NewUpstreamError(provider, message string, retryable bool) *Error {
	return NewError(ErrUpstreamError, message).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(retryable).
		WithProvider(provider)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternalError, message).
		WithHTTPStatus(http.StatusInternalServerError).
		WithCause(cause)
}

// AsError extracts *Error from anywhere in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsInsufficientCredits extracts the shortfall carried by an INSUFFICIENT_CREDITS error.
func AsInsufficientCredits(err error) (*CreditShortfall, bool) {
	var s *CreditShortfall
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
