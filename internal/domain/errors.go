package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of a provider API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the backend is overloaded.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal backend error.
	ErrorTypeServer ErrorType = "server"
)

// APIError represents an error returned by a provider backend, carrying the
// server-provided message so the UI can surface it verbatim.
type APIError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// APIErrorFromStatus maps an HTTP status code to an APIError carrying the
// server message.
func APIErrorFromStatus(status int, message string) *APIError {
	var t ErrorType
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		t = ErrorTypeAuthentication
	case status == http.StatusNotFound:
		t = ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		t = ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		t = ErrorTypeOverloaded
	case status >= 500:
		t = ErrorTypeServer
	default:
		t = ErrorTypeInvalidRequest
	}
	return &APIError{Type: t, Message: message, StatusCode: status}
}
