package routes

import (
	"context"

	"github.com/gin-gonic/gin"

	"intercom-bridge/internal/autoopen"
	"intercom-bridge/internal/bridge"
	"intercom-bridge/internal/models"
)

// Service is what the HTTP API needs from the bridge.
type Service interface {
	Login(ctx context.Context, phone string) (string, error)
	VerifyCode(ctx context.Context, sessionID, code string, userID int64) error
	Logout(ctx context.Context) error
	ListDevices(ctx context.Context, force bool) ([]models.Device, error)
	OpenDoor(ctx context.Context, ref string) (models.Device, error)
	AcceptCall(ctx context.Context, callID string) (models.CallSession, error)
	EndCall(ctx context.Context, sessionID string) error
	EventHistory(ctx context.Context, limit int, filter models.EventFilter) ([]models.Event, error)
	AutoOpen() autoopen.Document
	SetAutoOpen(doc autoopen.Document) error
	Status() bridge.Status
}

// Stream hands out live event subscriptions.
type Stream interface {
	Subscribe(buffer int) (<-chan models.Event, func())
}

// Inject makes the service and the event stream available to handlers.
func Inject(svc Service, stream Stream) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("Service", svc)
		c.Set("Stream", stream)
		c.Next()
	}
}

func service(c *gin.Context) Service {
	return c.MustGet("Service").(Service)
}

// bindJSON decodes the request body, aborting with a 400 on failure.
func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		AbortWithHTTPError(c, 400, err, "Invalid request: "+err.Error(), "INVALID_REQUEST")
		return false
	}
	return true
}

// API registers every authenticated route on rg.
func API(rg *gin.RouterGroup) {
	AuthRoutes(rg.Group("/auth"))
	DeviceRoutes(rg)
	CallRoutes(rg.Group("/call"))
	EventRoutes(rg.Group("/events"))
	AutoOpenRoutes(rg.Group("/auto-open"))
	StatusRoutes(rg)
}
