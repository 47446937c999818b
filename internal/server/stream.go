package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qpick/availability/backend/internal/geo"
)

const streamHeartbeatInterval = 25 * time.Second

type streamReportPayload struct {
	StoreID   string    `json:"store_id"`
	ProductID int64     `json:"product_id"`
	Status    string    `json:"status"`
	AreaKey   string    `json:"area_key"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
}

// handleStream serves a server-sent event stream of accepted reports for one
// product around the caller's grid cell.
func (h *httpHandler) handleStream(c *gin.Context) {
	location, ok := parseLocation(c.Query("lat"), c.Query("lng"))
	if !ok {
		respondBadRequest(c, errorCodeInvalidLocation)
		return
	}
	productID, ok := parseProductID(c.Query("product_id"))
	if !ok {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	areaKey := geo.AreaKey(location.Latitude, location.Longitude)

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, productID, areaKey)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, gin.H{"area_key": areaKey, "source": realtimeSourceBackend})
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": h.clock().UTC(), "source": realtimeSourceBackend})
			return true
		case message, open := <-messages:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, streamReportPayload{
				StoreID:   message.StoreID,
				ProductID: message.ProductID,
				Status:    message.Status,
				AreaKey:   message.AreaKey,
				CreatedAt: message.Timestamp,
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}
