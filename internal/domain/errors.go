// Package domain provides canonical error types for the gateway.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication_error"

	// ErrorTypeRequestTooLarge indicates the request exceeded a size limit.
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"

	// ErrorTypeRateLimit indicates a capacity limit was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit_error"

	// ErrorTypeTimeout indicates the request ran past its deadline.
	ErrorTypeTimeout ErrorType = "timeout_error"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server_error"

	// ErrorTypeBackend indicates the inference backend failed.
	ErrorTypeBackend ErrorType = "backend_error"
)

// ErrorCode identifies the exact rejection kind.
type ErrorCode string

const (
	ErrorCodeHeaderTooLarge      ErrorCode = "request_header_fields_too_large"
	ErrorCodeTooManyHeaders      ErrorCode = "too_many_headers"
	ErrorCodeHeaderParse         ErrorCode = "header_parse_error"
	ErrorCodeBodyTooLarge        ErrorCode = "request_body_too_large"
	ErrorCodeConcurrencyExceeded ErrorCode = "concurrency_limit_exceeded"
	ErrorCodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	ErrorCodeRequestTimeout      ErrorCode = "request_timeout"
	ErrorCodeCancellationFailed  ErrorCode = "cancellation_failed"
	ErrorCodeInternal            ErrorCode = "internal_error"
	ErrorCodeInvalidAPIKey       ErrorCode = "invalid_api_key"
	ErrorCodeInvalidJSON         ErrorCode = "invalid_json"
	ErrorCodeBackendUnavailable  ErrorCode = "backend_unavailable"
)

// APIError is the canonical error the gateway returns to clients.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is the specific rejection kind
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// RetryAfter is the number of seconds a rate limited client should wait.
	RetryAfter int `json:"retry_after,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// Rejection constructors, one per admission outcome.

// ErrHeadersTooLarge rejects a request whose header block exceeds limit bytes.
func ErrHeadersTooLarge(limit int) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest,
		fmt.Sprintf("Request headers too large. Maximum size: %d bytes", limit)).
		WithCode(ErrorCodeHeaderTooLarge).
		WithStatusCode(http.StatusRequestHeaderFieldsTooLarge)
}

// ErrTooManyHeaders rejects a request carrying more than limit header entries.
func ErrTooManyHeaders(limit int) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest,
		fmt.Sprintf("Too many headers. Maximum count: %d", limit)).
		WithCode(ErrorCodeTooManyHeaders)
}

// ErrHeaderParse rejects a request whose headers could not be interpreted.
func ErrHeaderParse(detail string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, "Invalid request headers: "+detail).
		WithCode(ErrorCodeHeaderParse)
}

// ErrBodyTooLarge rejects a request whose body exceeds limit bytes.
func ErrBodyTooLarge(limit int64) *APIError {
	return NewAPIError(ErrorTypeRequestTooLarge,
		fmt.Sprintf("Request body too large. Maximum size: %d bytes", limit)).
		WithCode(ErrorCodeBodyTooLarge)
}

// ErrConcurrencyLimit rejects a request arriving while capacity slots are busy.
func ErrConcurrencyLimit(capacity int) *APIError {
	return NewAPIError(ErrorTypeRateLimit,
		fmt.Sprintf("Too many requests. Maximum concurrent requests: %d", capacity)).
		WithCode(ErrorCodeConcurrencyExceeded)
}

// ErrRateLimit rejects a client that used up its window.
func ErrRateLimit(retryAfter int) *APIError {
	e := NewAPIError(ErrorTypeRateLimit, "Rate limit exceeded").
		WithCode(ErrorCodeRateLimitExceeded)
	e.RetryAfter = retryAfter
	return e
}

// ErrTimeout reports a request cancelled at its deadline.
func ErrTimeout() *APIError {
	return NewAPIError(ErrorTypeTimeout, "Request timeout").
		WithCode(ErrorCodeRequestTimeout)
}

// ErrCancellationFailed reports a failure while draining a timed out request.
func ErrCancellationFailed() *APIError {
	return NewAPIError(ErrorTypeServer, "Request cancellation failed").
		WithCode(ErrorCodeCancellationFailed)
}

// ErrInternal reports an unexpected failure inside the gateway.
func ErrInternal() *APIError {
	return NewAPIError(ErrorTypeServer, "Internal Server Error.").
		WithCode(ErrorCodeInternal)
}

// ErrUnauthorized rejects a request without a valid API key.
func ErrUnauthorized() *APIError {
	return NewAPIError(ErrorTypeAuthentication, "Unauthorized").
		WithCode(ErrorCodeInvalidAPIKey)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrBackend reports a failed call to the inference backend.
func ErrBackend(message string) *APIError {
	return NewAPIError(ErrorTypeBackend, message).
		WithCode(ErrorCodeBackendUnavailable)
}

// ErrorResponse is the JSON envelope written for every APIError.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// AsAPIError returns err as an *APIError, wrapping unknown errors as internal.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal()
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// WriteStreamError ends an event stream that has already started with a
// single error frame. No [DONE] follows it.
func WriteStreamError(w http.ResponseWriter, err *APIError) {
	data, merr := json.Marshal(ErrorResponse{Error: err})
	if merr != nil {
		return
	}
	_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
