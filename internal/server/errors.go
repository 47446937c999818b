package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qpick/availability/backend/internal/reports"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

const (
	errorCodeInvalidRequest  = "invalid_request"
	errorCodeInvalidLocation = "invalid_location"
	errorCodeInternal        = "internal_error"
	errorCodeInvalidPayload  = "invalid_payload"
)

type codedError interface {
	Code() string
}

// statusForError maps service errors onto HTTP statuses: client-kind failures
// are 400, everything else is 500.
func statusForError(err error) int {
	var reportErr *reports.ServiceError
	if errors.As(err, &reportErr) && reportErr.Kind() == reports.KindClient {
		return http.StatusBadRequest
	}
	var subscriptionErr *subscriptions.ServiceError
	if errors.As(err, &subscriptionErr) && subscriptionErr.Kind() == subscriptions.KindClient {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return errorCodeInternal
}

func respondServiceError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": errorCode(err)})
}

func respondBadRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}
