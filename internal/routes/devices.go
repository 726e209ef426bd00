package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type openRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

func DeviceRoutes(r *gin.RouterGroup) {
	r.GET("/devices", func(c *gin.Context) {
		force, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
		devices, err := service(c).ListDevices(c.Request.Context(), force)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "devices": devices})
	})

	r.POST("/door/open", func(c *gin.Context) {
		var req openRequest
		if !bindJSON(c, &req) {
			return
		}
		dev, err := service(c).OpenDoor(c.Request.Context(), req.DeviceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "device": dev})
	})
}
