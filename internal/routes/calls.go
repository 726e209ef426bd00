package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type acceptRequest struct {
	CallID string `json:"call_id" binding:"required"`
}

type endRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func CallRoutes(r *gin.RouterGroup) {
	r.POST("/accept", func(c *gin.Context) {
		var req acceptRequest
		if !bindJSON(c, &req) {
			return
		}
		sess, err := service(c).AcceptCall(c.Request.Context(), req.CallID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": sess})
	})

	r.POST("/end", func(c *gin.Context) {
		var req endRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := service(c).EndCall(c.Request.Context(), req.SessionID); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}
