// Package observability reports failures to Sentry when a DSN is configured.
package observability

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"

	"intercom-bridge/internal/failure"
)

// InitSentry configures the global Sentry client. Without a DSN reporting is
// disabled and every capture is a no-op.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureFailure reports err with its failure kind and the given tags.
// Expected user-facing failures are not reported.
func CaptureFailure(err error, tags map[string]string) {
	if err == nil || !reportable(err) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(failure.KindOf(err)))
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func reportable(err error) bool {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return true
	}
	switch fe.Kind {
	case failure.Auth2FAInvalid, failure.AuthRateLimited, failure.Auth2FARequired,
		failure.InvalidRequest, failure.DeviceNotFound, failure.SessionNotFound,
		failure.Unauthenticated:
		return false
	}
	return true
}

// Recovery turns a panicking request into a 500 answer and reports the panic.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					scope.SetTag("path", c.FullPath())
					sentry.CaptureMessage("panic in request")
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"status":  http.StatusInternalServerError,
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
