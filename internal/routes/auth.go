package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type verifyRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
	UserID    int64  `json:"user_id"`
}

func AuthRoutes(r *gin.RouterGroup) {
	// Request an SMS code. The returned session id is passed to /verify.
	r.POST("/login", func(c *gin.Context) {
		var req loginRequest
		if !bindJSON(c, &req) {
			return
		}
		sessionID, err := service(c).Login(c.Request.Context(), req.Phone)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"success":    true,
			"session_id": sessionID,
			"message":    "Confirmation code sent",
		})
	})

	r.POST("/verify", func(c *gin.Context) {
		var req verifyRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := service(c).VerifyCode(c.Request.Context(), req.SessionID, req.Code, req.UserID); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged in"})
	})

	r.POST("/logout", func(c *gin.Context) {
		if err := service(c).Logout(c.Request.Context()); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}
