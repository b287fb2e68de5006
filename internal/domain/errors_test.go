package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request_error: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit_error (rate_limit_exceeded): rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRejectionStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
		code     ErrorCode
	}{
		{"headers too large", ErrHeadersTooLarge(1024), http.StatusRequestHeaderFieldsTooLarge, ErrorCodeHeaderTooLarge},
		{"too many headers", ErrTooManyHeaders(200), http.StatusBadRequest, ErrorCodeTooManyHeaders},
		{"header parse", ErrHeaderParse("bad"), http.StatusBadRequest, ErrorCodeHeaderParse},
		{"body too large", ErrBodyTooLarge(10), http.StatusRequestEntityTooLarge, ErrorCodeBodyTooLarge},
		{"concurrency", ErrConcurrencyLimit(4), http.StatusTooManyRequests, ErrorCodeConcurrencyExceeded},
		{"rate limit", ErrRateLimit(30), http.StatusTooManyRequests, ErrorCodeRateLimitExceeded},
		{"timeout", ErrTimeout(), http.StatusRequestTimeout, ErrorCodeRequestTimeout},
		{"cancellation failed", ErrCancellationFailed(), http.StatusInternalServerError, ErrorCodeCancellationFailed},
		{"internal", ErrInternal(), http.StatusInternalServerError, ErrorCodeInternal},
		{"unauthorized", ErrUnauthorized(), http.StatusUnauthorized, ErrorCodeInvalidAPIKey},
		{"backend", ErrBackend("down"), http.StatusBadGateway, ErrorCodeBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestErrConcurrencyLimit_MessageCarriesCapacity(t *testing.T) {
	err := ErrConcurrencyLimit(512)
	if err.Message != "Too many requests. Maximum concurrent requests: 512" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestAsAPIError(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", ErrTimeout())
	if got := AsAPIError(wrapped); got.Code != ErrorCodeRequestTimeout {
		t.Errorf("AsAPIError(wrapped).Code = %q, want %q", got.Code, ErrorCodeRequestTimeout)
	}
	if got := AsAPIError(errors.New("boom")); got.Code != ErrorCodeInternal {
		t.Errorf("AsAPIError(plain).Code = %q, want %q", got.Code, ErrorCodeInternal)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrRateLimit(42))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Errorf("Retry-After = %q, want 42", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	var body struct {
		Error struct {
			Message    string `json:"message"`
			Type       string `json:"type"`
			Code       string `json:"code"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Message != "Rate limit exceeded" || body.Error.RetryAfter != 42 {
		t.Errorf("body = %+v", body.Error)
	}
	if body.Error.Code != string(ErrorCodeRateLimitExceeded) {
		t.Errorf("code = %q", body.Error.Code)
	}
}
