package routes

import (
	"errors"
	"net/http"
	"strings"

	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/jwt"
)

// HTTPError represents an error with an associated HTTP status code and user message
type HTTPError struct {
	Err        error    // The underlying error
	StatusCode int      // HTTP status code
	Message    string   // User-friendly message
	StopCodes  []string // Optional stop codes for client-side handling
	Internal   bool     // Whether this is an internal error (hide details from user)
}

// ErrorInfo contains error metadata for user-facing errors
type ErrorInfo struct {
	Message   string   // User-friendly message
	StopCodes []string // Optional stop codes for client-side application
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError
func NewHTTPError(statusCode int, err error, message string, stopCodes ...string) *HTTPError {
	return &HTTPError{
		Err:        err,
		StatusCode: statusCode,
		Message:    message,
		StopCodes:  stopCodes,
		Internal:   statusCode >= 500,
	}
}

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrMissingParameter = errors.New("missing required parameter")
	ErrInternalServer   = errors.New("internal server error")
)

// errorStatusMap maps errors to HTTP status codes
var errorStatusMap = map[error]int{
	// 400 Bad Request
	ErrInvalidRequest:   http.StatusBadRequest,
	ErrMissingParameter: http.StatusBadRequest,

	// 401 Unauthorized
	ErrUnauthorized:         http.StatusUnauthorized,
	jwt.ErrNonValidToken:    http.StatusUnauthorized,
	jwt.ErrInvalidClaimType: http.StatusUnauthorized,

	// 500 Internal Server Error
	ErrInternalServer:    http.StatusInternalServerError,
	jwt.ErrMissingSecret: http.StatusInternalServerError,
}

// errorInfoMap maps errors to user-friendly messages and optional stop codes
var errorInfoMap = map[error]ErrorInfo{
	ErrUnauthorized: {
		Message:   "API key required",
		StopCodes: []string{"API_KEY_REQUIRED"},
	},
	jwt.ErrNonValidToken: {
		Message:   "Invalid or expired API key",
		StopCodes: []string{"API_KEY_INVALID"},
	},
	jwt.ErrInvalidClaimType: {
		Message:   "Invalid or expired API key",
		StopCodes: []string{"API_KEY_INVALID"},
	},
	ErrInvalidRequest: {
		Message:   "Invalid request format",
		StopCodes: []string{"INVALID_REQUEST"},
	},
	ErrMissingParameter: {
		Message:   "Required parameter is missing",
		StopCodes: []string{"MISSING_PARAMETER"},
	},
	ErrInternalServer: {
		Message: "An internal error occurred",
	},
	jwt.ErrMissingSecret: {
		Message: "API authentication is not configured",
	},
}

// kindStatusMap maps failure kinds to HTTP status codes
var kindStatusMap = map[failure.Kind]int{
	failure.InvalidRequest:          http.StatusBadRequest,
	failure.AuthInvalidCredentials:  http.StatusUnauthorized,
	failure.Auth2FAInvalid:          http.StatusUnauthorized,
	failure.Auth2FARequired:         http.StatusUnauthorized,
	failure.Unauthenticated:         http.StatusUnauthorized,
	failure.TokenRefreshFailed:      http.StatusUnauthorized,
	failure.StorageDecryptionFailed: http.StatusUnauthorized,
	failure.DeviceNotFound:          http.StatusNotFound,
	failure.SessionNotFound:         http.StatusNotFound,
	failure.DeviceOffline:           http.StatusConflict,
	failure.AuthRateLimited:         http.StatusTooManyRequests,
	failure.StorageEncryptionFailed: http.StatusInternalServerError,
	failure.CommandFailed:           http.StatusBadGateway,
	failure.CallAcceptFailed:        http.StatusBadGateway,
	failure.PushTokenUnavailable:    http.StatusBadGateway,
	failure.ProviderUnavailable:     http.StatusServiceUnavailable,
	failure.CommandTimeout:          http.StatusGatewayTimeout,
}

// stopCode turns a failure kind into the upper case stop code clients match on.
func stopCode(kind failure.Kind) string {
	return strings.ToUpper(string(kind))
}

// GetErrorStatus returns the HTTP status code for an error
func GetErrorStatus(err error) int {
	// Check if it's already an HTTPError
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		if status, ok := kindStatusMap[fe.Kind]; ok {
			return status
		}
		return http.StatusInternalServerError
	}

	// Check direct match
	if status, ok := errorStatusMap[err]; ok {
		return status
	}

	// Check if error wraps a known error
	for knownErr, status := range errorStatusMap {
		if errors.Is(err, knownErr) {
			return status
		}
	}

	// Default to 500 Internal Server Error
	return http.StatusInternalServerError
}

// GetErrorInfo returns error information including message and stop codes
func GetErrorInfo(err error) ErrorInfo {
	// Check if it's an HTTPError with custom info
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ErrorInfo{
			Message:   httpErr.Message,
			StopCodes: httpErr.StopCodes,
		}
	}

	// Failure reasons are written for the caller
	var fe *failure.Error
	if errors.As(err, &fe) {
		return ErrorInfo{
			Message:   fe.Reason,
			StopCodes: []string{stopCode(fe.Kind)},
		}
	}

	// Check direct match
	if info, ok := errorInfoMap[err]; ok {
		return info
	}

	// Check if error wraps a known error
	for knownErr, info := range errorInfoMap {
		if errors.Is(err, knownErr) {
			return info
		}
	}

	// For unknown errors, return a generic message for 5xx, specific for others
	status := GetErrorStatus(err)
	if status >= 500 {
		return ErrorInfo{Message: "An internal error occurred"}
	}
	return ErrorInfo{Message: err.Error()}
}

// GetErrorMessage returns a user-friendly message for an error
func GetErrorMessage(err error) string {
	return GetErrorInfo(err).Message
}

// GetErrorStopCodes returns stop codes for an error
func GetErrorStopCodes(err error) []string {
	return GetErrorInfo(err).StopCodes
}
