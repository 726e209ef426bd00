package routes

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"intercom-bridge/internal/models"
)

func EventRoutes(r *gin.RouterGroup) {
	r.GET("", func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				AbortWithHTTPError(c, http.StatusBadRequest, err, "limit must be a number", "INVALID_PARAMETER")
				return
			}
			limit = n
		}

		filter := models.EventFilter{
			Type:     models.EventType(c.Query("type")),
			DeviceID: c.Query("device_id"),
		}
		if filter.Type != "" && !filter.Type.Valid() {
			AbortWithHTTPError(c, http.StatusBadRequest, ErrInvalidRequest, "unknown event type "+strconv.Quote(string(filter.Type)), "INVALID_PARAMETER")
			return
		}

		events, err := service(c).EventHistory(c.Request.Context(), limit, filter)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
	})

	// Server-sent events of everything recorded from now on.
	r.GET("/stream", func(c *gin.Context) {
		stream := c.MustGet("Stream").(Stream)
		events, cancel := stream.Subscribe(32)
		defer cancel()

		slog.Debug("Event stream opened", "ip", c.ClientIP())
		c.Header("Cache-Control", "no-store")
		c.Header("X-Accel-Buffering", "no")
		c.SSEvent("ready", gin.H{"success": true})
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-events:
				if !ok {
					return false
				}
				c.SSEvent(string(ev.Type), ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
		slog.Debug("Event stream closed", "ip", c.ClientIP())
	})
}
