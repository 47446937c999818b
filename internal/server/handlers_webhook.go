package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qpick/availability/backend/internal/auth"
	"github.com/qpick/availability/backend/internal/notify"
)

func (h *httpHandler) handleNotifyWebhook(c *gin.Context) {
	authorization := c.GetHeader("Authorization")
	var err error
	if h.webhook == nil {
		err = auth.ErrWebhookSecretNotConfigured
	} else {
		err = h.webhook.Verify(authorization)
	}
	switch {
	case errors.Is(err, auth.ErrWebhookUnauthorized):
		h.logger.Warn("webhook unauthorized",
			zap.Bool("has_auth_header", authorization != ""),
			zap.Int("auth_header_len", len(authorization)))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	case err != nil:
		h.logger.Error("webhook rejected", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_not_configured"})
		return
	}

	var trigger notify.Trigger
	if err := c.ShouldBindJSON(&trigger); err != nil {
		h.logger.Error("webhook payload rejected", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInvalidPayload})
		return
	}

	outcome, err := h.dispatcher.Dispatch(c.Request.Context(), trigger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCode(err)})
		return
	}
	if outcome.Kind == notify.OutcomeSent {
		c.JSON(http.StatusOK, gin.H{"ok": true, "sent": outcome.Sent})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, string(outcome.Kind): true})
}
