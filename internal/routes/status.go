package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func StatusRoutes(r *gin.RouterGroup) {
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "status": service(c).Status()})
	})
}
