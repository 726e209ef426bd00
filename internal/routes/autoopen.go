package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"intercom-bridge/internal/autoopen"
)

func AutoOpenRoutes(r *gin.RouterGroup) {
	r.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "auto_open": service(c).AutoOpen()})
	})

	r.POST("", func(c *gin.Context) {
		var doc autoopen.Document
		if !bindJSON(c, &doc) {
			return
		}
		if err := service(c).SetAutoOpen(doc); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "auto_open": service(c).AutoOpen()})
	})
}
