package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qpick/availability/backend/internal/subscriptions"
)

func (h *httpHandler) handleWatchState(c *gin.Context) {
	subscriberID, err := subscriptions.NewSubscriberID(c.Query("subscriber_id"))
	if err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	productID, ok := parseProductID(c.Query("product_id"))
	if !ok {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	enabled, err := h.subscriptions.WatchState(c.Request.Context(), subscriberID, productID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

type watchRequestPayload struct {
	SubscriberID string   `json:"subscriber_id"`
	ProductID    int64    `json:"product_id"`
	Latitude     *float64 `json:"lat"`
	Longitude    *float64 `json:"lng"`
	Enable       bool     `json:"enable"`
}

func (h *httpHandler) handleWatch(c *gin.Context) {
	var request watchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	subscriberID, err := subscriptions.NewSubscriberID(request.SubscriberID)
	if err != nil || request.ProductID <= 0 {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	location, ok := locationFromBody(request.Latitude, request.Longitude)
	if !ok {
		respondBadRequest(c, errorCodeInvalidLocation)
		return
	}

	ctx := c.Request.Context()
	if !request.Enable {
		if err := h.subscriptions.DisableWatch(ctx, subscriberID, request.ProductID); err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "enabled": false})
		return
	}

	areaKey, err := h.subscriptions.EnableWatch(ctx, subscriberID, request.ProductID, location)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "enabled": true, "area_key": areaKey})
}

type pushSubscribeRequestPayload struct {
	SubscriberID string `json:"subscriber_id"`
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
	UserAgent string `json:"user_agent"`
}

func (h *httpHandler) handlePushSubscribe(c *gin.Context) {
	var request pushSubscribeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	subscriberID, err := subscriptions.NewSubscriberID(request.SubscriberID)
	if err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	keys := subscriptions.PushKeys{
		P256dh: request.Subscription.Keys.P256dh,
		Auth:   request.Subscription.Keys.Auth,
	}
	if err := h.subscriptions.RegisterPush(c.Request.Context(), subscriberID, request.Subscription.Endpoint, keys, request.UserAgent); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type pushDisableRequestPayload struct {
	SubscriberID string `json:"subscriber_id"`
}

func (h *httpHandler) handlePushDisable(c *gin.Context) {
	var request pushDisableRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	subscriberID, err := subscriptions.NewSubscriberID(request.SubscriberID)
	if err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	if err := h.subscriptions.DisablePush(c.Request.Context(), subscriberID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
