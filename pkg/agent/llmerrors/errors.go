// Package llmerrors classifies completion-provider failures so middleware can
// decide whether to retry.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is the category of a provider error.
type ErrorType int8

const (
	// ErrorTypeRateLimit is a 429 or quota error.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient is a 5xx, reset connection, EOF or timeout.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call with no content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth is a 401/403 or missing API key.
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a malformed or rejected request.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is anything unclassified.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable is emitted once retries are exhausted.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error is a classified provider error.
type Error struct {
	Err        error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error type may succeed on a later attempt.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

// Is reports whether err is a classified error of errorType.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsServiceUnavailable reports whether retries were exhausted.
func IsServiceUnavailable(err error) bool {
	return Is(err, ErrorTypeServiceUnavailable)
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a classified error carrying an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a classified error wrapping cause.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError wraps the last error after attempts retries.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts: %v", attempts, cause),
	}
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return ErrorTypeBadPrompt
	case status >= 500:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}

// Classify wraps err as a classified Error. A status of 0 falls back to
// message inspection. Already-classified errors are returned unchanged.
func Classify(err error, status int, provider string) error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	errorType := ClassifyStatus(status)
	if errorType == ErrorTypeUnknown {
		errorType = classifyMessage(err.Error())
	}
	return &Error{
		Type:       errorType,
		Err:        err,
		StatusCode: status,
		Message:    fmt.Sprintf("%s: %v", provider, err),
	}
}

func classifyMessage(msg string) ErrorType {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit") || strings.Contains(m, "quota") || strings.Contains(m, "429"):
		return ErrorTypeRateLimit
	case strings.Contains(m, "api key") || strings.Contains(m, "api-key") || strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "401") || strings.Contains(m, "403"):
		return ErrorTypeAuth
	case strings.Contains(m, "timeout") || strings.Contains(m, "connection") ||
		strings.Contains(m, "eof") || strings.Contains(m, "overloaded") ||
		strings.Contains(m, "502") || strings.Contains(m, "503") || strings.Contains(m, "504"):
		return ErrorTypeTransient
	case strings.Contains(m, "too long") || strings.Contains(m, "invalid request") || strings.Contains(m, "400"):
		return ErrorTypeBadPrompt
	default:
		return ErrorTypeUnknown
	}
}
