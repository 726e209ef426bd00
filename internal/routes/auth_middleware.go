// API key middleware
// Checks for a valid API key in the Authorization header (or the api_key
// query parameter for event streams). If valid, sets the key name in the
// context. If invalid, aborts with 401 Unauthorized.
package routes

import (
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	"intercom-bridge/internal/jwt"
)

const API_KEY_QUERY = "api_key"

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return c.Query(API_KEY_QUERY)
}

// RequireAPIKey rejects requests without a valid API key signed with secret.
// An empty secret disables the check; configuration refuses that in release mode.
func RequireAPIKey(secret string) gin.HandlerFunc {
	if secret == "" {
		slog.Warn("API key check disabled, secret is not set")
		return func(c *gin.Context) {
			c.Set("apiKey", "anonymous")
			c.Next()
		}
	}

	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		claims, err := jwt.VerifyAPIKey(secret, token)
		if err != nil {
			slog.Warn("RequireAPIKey: invalid API key", "error", err, "ip", c.ClientIP())
			AbortWithError(c, err)
			return
		}
		c.Set("apiKey", claims.Name)
		c.Next()
	}
}
