package routes

import (
	"errors"
	"log/slog"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"intercom-bridge/internal/failure"
)

type errorStruct struct {
	Succeed bool     `json:"success"`
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Code    []string `json:"code,omitempty"`

	Kind              failure.Kind `json:"kind,omitempty"`
	RetryAfter        int          `json:"retry_after,omitempty"`
	AttemptsRemaining *int         `json:"attempts_remaining,omitempty"`
	SessionID         string       `json:"session_id,omitempty"`
}

// ErrorHandler captures errors and returns a consistent JSON error response
// with appropriate HTTP status codes based on the error type
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next() // Process the request first

		if len(c.Errors) == 0 {
			return
		}

		// Use the last error (most recent)
		err := c.Errors.Last().Err

		statusCode := GetErrorStatus(err)
		errorInfo := GetErrorInfo(err)

		if statusCode >= 500 {
			slog.Error("Request failed with server error",
				"error", err,
				"status", statusCode,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else if statusCode >= 400 {
			slog.Warn("Request failed with client error",
				"error", err,
				"status", statusCode,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		if c.Writer.Written() {
			return
		}

		response := errorStruct{
			Succeed: false,
			Status:  "error",
			Message: errorInfo.Message,
		}

		// Collect all the stop codes from all wrapped errors
		var stopCodes []string
		for _, _err := range c.Errors {
			errInfo := GetErrorInfo(_err.Err)
			stopCodes = append(stopCodes, errInfo.StopCodes...)
		}
		response.Code = stopCodes

		var fe *failure.Error
		if errors.As(err, &fe) {
			response.Kind = fe.Kind
			response.SessionID = fe.SessionID
			if fe.RetryAfter > 0 {
				response.RetryAfter = int(math.Ceil(fe.RetryAfter.Seconds()))
				c.Header("Retry-After", strconv.Itoa(response.RetryAfter))
			}
			if fe.Kind == failure.Auth2FAInvalid {
				remaining := fe.AttemptsRemaining
				response.AttemptsRemaining = &remaining
			}
		}

		c.AbortWithStatusJSON(statusCode, response)
	}
}

// AbortWithError is a helper function to abort the request with an error
// and add it to the Gin error chain for the ErrorHandler middleware
func AbortWithError(c *gin.Context, err error) {
	statusCode := GetErrorStatus(err)
	c.Error(err)
	c.Abort()
	// Set the status code so gin knows not to send 200
	c.Status(statusCode)
}

// AbortWithHTTPError is a helper to abort with a custom HTTPError
func AbortWithHTTPError(c *gin.Context, statusCode int, err error, message string, stopCodes ...string) {
	httpErr := NewHTTPError(statusCode, err, message, stopCodes...)
	c.Error(httpErr)
	c.Abort()
	c.Status(statusCode)
}
