package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qpick/availability/backend/internal/reports"
)

const (
	reportResultStored       = "stored"
	reportResultAlreadyVoted = "already_voted"
	reportResultRejected     = "rejected"
	reportResultError        = "error"
)

func (h *httpHandler) handleIssueSession(c *gin.Context) {
	session, err := h.sessions.IssueSession(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, session)
}

type reportRequestPayload struct {
	StoreID   string `json:"store_id"`
	ProductID int64  `json:"product_id"`
	Status    string `json:"status"`
}

func (h *httpHandler) handleSubmitReport(c *gin.Context) {
	sessionID := c.GetString(sessionSubjectContextKey)
	if sessionID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request reportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	submission, err := reports.NewSubmission(request.StoreID, request.ProductID, request.Status, sessionID)
	if err != nil {
		h.observer.ObserveReport(request.Status, reportResultRejected)
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	result, err := h.reports.Submit(ctx, submission)
	if err != nil {
		h.observer.ObserveReport(string(submission.Status), reportResultError)
		respondServiceError(c, err)
		return
	}
	if result.AlreadyVoted {
		h.observer.ObserveReport(string(submission.Status), reportResultAlreadyVoted)
		c.JSON(http.StatusOK, gin.H{"ok": true, "already_voted": true})
		return
	}

	h.observer.ObserveReport(string(submission.Status), reportResultStored)
	h.search.Invalidate(ctx, submission.StoreID, submission.ProductID)
	h.publishReport(c, result.Event)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// publishReport fans an accepted report out to live streams of the store's area.
func (h *httpHandler) publishReport(c *gin.Context, event reports.ReportEvent) {
	location, ok, err := h.stores.StoreLocation(c.Request.Context(), event.StoreID)
	if err != nil {
		h.logger.Warn("report store lookup failed", zap.String("store_id", event.StoreID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		ProductID: event.ProductID,
		AreaKey:   location.AreaKey(),
		EventType: RealtimeEventReport,
		StoreID:   event.StoreID,
		Status:    string(event.Status),
		Timestamp: event.CreatedAt,
	})
}

type commentRequestPayload struct {
	StoreID   string `json:"store_id"`
	ProductID int64  `json:"product_id"`
	Comment   string `json:"comment"`
}

func (h *httpHandler) handleSubmitComment(c *gin.Context) {
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, errorCodeInvalidRequest)
		return
	}
	input, err := reports.NewCommentInput(request.StoreID, request.ProductID, request.Comment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "detail": err.Error()})
		return
	}
	if _, err := h.reports.SubmitComment(c.Request.Context(), input); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type commentPayload struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	comments, err := h.reports.ListApprovedComments(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response := make([]commentPayload, 0, len(comments))
	for _, comment := range comments {
		response = append(response, commentPayload{
			ID:        comment.ID,
			ProductID: comment.ProductID,
			Comment:   comment.Body,
			CreatedAt: comment.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"comments": response})
}
