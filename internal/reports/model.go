package reports

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qpick/availability/backend/internal/scoring"
)

const (
	maxIdentifierLength = 190
	// MaxCommentLength bounds comment text in characters.
	MaxCommentLength = 140

	// OriginAPI marks reports submitted through the HTTP API.
	OriginAPI = "api"
)

var (
	// ErrInvalidStoreID indicates an empty or oversized store identifier.
	ErrInvalidStoreID = errors.New("reports: invalid store id")
	// ErrInvalidProductID indicates a non-positive product identifier.
	ErrInvalidProductID = errors.New("reports: invalid product id")
	// ErrInvalidStatus indicates a status other than found or not_found.
	ErrInvalidStatus = errors.New("reports: invalid status")
	// ErrInvalidSessionID indicates an empty or oversized session identifier.
	ErrInvalidSessionID = errors.New("reports: invalid session id")
	// ErrInvalidComment indicates empty or oversized comment text.
	ErrInvalidComment = errors.New("reports: invalid comment")
)

// ReportEvent is one immutable availability observation.
type ReportEvent struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	StoreID    string         `gorm:"column:store_id;size:190;not null;index:idx_flags_product_store_time,priority:2;uniqueIndex:idx_flags_session_vote,priority:1"`
	ProductID  int64          `gorm:"column:product_id;not null;index:idx_flags_product_store_time,priority:1;uniqueIndex:idx_flags_session_vote,priority:2"`
	Status     scoring.Status `gorm:"column:status;size:16;not null"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;index:idx_flags_product_store_time,priority:3"`
	SessionID  *string        `gorm:"column:session_id;size:190;uniqueIndex:idx_flags_session_vote,priority:3"`
	Origin     string         `gorm:"column:origin;size:32;not null;default:''"`
	VoteWindow int64          `gorm:"column:vote_window;not null;default:0;uniqueIndex:idx_flags_session_vote,priority:4"`
}

// TableName provides the explicit table binding for GORM.
func (ReportEvent) TableName() string {
	return "store_product_flags"
}

// ScoringEvent projects the row onto the scorer's input.
func (e ReportEvent) ScoringEvent() scoring.Event {
	return scoring.Event{StoreID: e.StoreID, Status: e.Status, CreatedAt: e.CreatedAt}
}

// Comment is free text attached to a store/product pair. Rows are created
// unapproved and only approved rows are ever read back.
type Comment struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	StoreID    string    `gorm:"column:store_id;size:190;not null;index:idx_feedback_store_approved,priority:1"`
	ProductID  int64     `gorm:"column:product_id;not null"`
	Body       string    `gorm:"column:comment;type:text;not null"`
	IsApproved bool      `gorm:"column:is_approved;not null;default:false;index:idx_feedback_store_approved,priority:2"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "feedback"
}

// Submission is a validated report request.
type Submission struct {
	StoreID   string
	ProductID int64
	Status    scoring.Status
	SessionID string
	Origin    string
}

// NewSubmission validates raw report input.
func NewSubmission(storeID string, productID int64, status string, sessionID string) (Submission, error) {
	trimmedStore, err := validateStoreID(storeID)
	if err != nil {
		return Submission{}, err
	}
	if productID <= 0 {
		return Submission{}, fmt.Errorf("%w: %d", ErrInvalidProductID, productID)
	}
	parsedStatus, ok := scoring.ParseStatus(strings.TrimSpace(status))
	if !ok {
		return Submission{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	trimmedSession := strings.TrimSpace(sessionID)
	if trimmedSession == "" || len(trimmedSession) > maxIdentifierLength {
		return Submission{}, ErrInvalidSessionID
	}
	return Submission{
		StoreID:   trimmedStore,
		ProductID: productID,
		Status:    parsedStatus,
		SessionID: trimmedSession,
		Origin:    OriginAPI,
	}, nil
}

func (s Submission) validate() error {
	_, err := NewSubmission(s.StoreID, s.ProductID, string(s.Status), s.SessionID)
	return err
}

// CommentInput is a validated comment request.
type CommentInput struct {
	StoreID   string
	ProductID int64
	Body      string
}

// NewCommentInput validates and trims raw comment input.
func NewCommentInput(storeID string, productID int64, body string) (CommentInput, error) {
	trimmedStore, err := validateStoreID(storeID)
	if err != nil {
		return CommentInput{}, err
	}
	if productID <= 0 {
		return CommentInput{}, fmt.Errorf("%w: %d", ErrInvalidProductID, productID)
	}
	trimmedBody := strings.TrimSpace(body)
	if trimmedBody == "" {
		return CommentInput{}, fmt.Errorf("%w: empty", ErrInvalidComment)
	}
	if utf8.RuneCountInString(trimmedBody) > MaxCommentLength {
		return CommentInput{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidComment, MaxCommentLength)
	}
	return CommentInput{StoreID: trimmedStore, ProductID: productID, Body: trimmedBody}, nil
}

func validateStoreID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStoreID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStoreID, maxIdentifierLength)
	}
	return trimmed, nil
}
