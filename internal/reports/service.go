package reports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qpick/availability/backend/internal/scoring"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ErrorKind separates caller mistakes from storage failures.
type ErrorKind string

const (
	KindClient ErrorKind = "client"
	KindServer ErrorKind = "server"
)

type ServiceError struct {
	code string
	kind ErrorKind
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

const (
	opServiceNew    = "reports.service.new"
	opSubmit        = "reports.submit"
	opListSince     = "reports.list_since"
	opSubmitComment = "reports.submit_comment"
	opListComments  = "reports.list_comments"
)

const (
	defaultVoteWindow = 24 * time.Hour
	maxCommentList    = 20
)

func newServiceError(operation, reason string, kind ErrorKind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// FoundListener receives found reports after they are stored.
// It is invoked on its own goroutine and must not assume the request is still alive.
type FoundListener interface {
	ReportFound(ctx context.Context, event ReportEvent)
}

type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
	VoteWindow    time.Duration
	FoundListener FoundListener
}

// Service is the append-only report log plus the comment box.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	voteWindow time.Duration
	listener   FoundListener
	pending    sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", KindServer, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	voteWindow := cfg.VoteWindow
	if voteWindow <= 0 {
		voteWindow = defaultVoteWindow
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		voteWindow: voteWindow,
		listener:   cfg.FoundListener,
	}, nil
}

// SubmitResult describes a stored report.
type SubmitResult struct {
	Event        ReportEvent
	AlreadyVoted bool
}

// Submit appends a report. A second vote by the same session for the same pair
// inside one vote window is not stored and comes back with AlreadyVoted set.
func (s *Service) Submit(ctx context.Context, submission Submission) (SubmitResult, error) {
	if err := submission.validate(); err != nil {
		return SubmitResult{}, newServiceError(opSubmit, "invalid_input", KindClient, err)
	}

	createdAt := s.clock().UTC()
	sessionID := submission.SessionID
	origin := submission.Origin
	if origin == "" {
		origin = OriginAPI
	}
	event := ReportEvent{
		StoreID:    submission.StoreID,
		ProductID:  submission.ProductID,
		Status:     submission.Status,
		CreatedAt:  createdAt,
		SessionID:  &sessionID,
		Origin:     origin,
		VoteWindow: createdAt.Unix() / int64(s.voteWindow/time.Second),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event)
	if result.Error != nil {
		s.logError(opSubmit, "insert_failed", result.Error,
			zap.String("store_id", event.StoreID),
			zap.Int64("product_id", event.ProductID))
		return SubmitResult{}, newServiceError(opSubmit, "insert_failed", KindServer, result.Error)
	}
	if result.RowsAffected == 0 {
		return SubmitResult{Event: event, AlreadyVoted: true}, nil
	}

	if event.Status == scoring.StatusFound && s.listener != nil {
		s.pending.Add(1)
		detached := context.WithoutCancel(ctx)
		go func() {
			defer s.pending.Done()
			s.listener.ReportFound(detached, event)
		}()
	}

	return SubmitResult{Event: event}, nil
}

// Wait blocks until every in-flight found listener call has returned.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ListSince returns the product's reports for the given stores created at or after since.
func (s *Service) ListSince(ctx context.Context, productID int64, storeIDs []string, since time.Time) ([]ReportEvent, error) {
	if productID <= 0 {
		return nil, newServiceError(opListSince, "invalid_input", KindClient, ErrInvalidProductID)
	}
	if len(storeIDs) == 0 {
		return nil, nil
	}

	var events []ReportEvent
	if err := s.db.WithContext(ctx).
		Select("id", "store_id", "product_id", "status", "created_at").
		Where("product_id = ? AND store_id IN ? AND created_at >= ?", productID, storeIDs, since.UTC()).
		Order("created_at DESC").
		Find(&events).Error; err != nil {
		s.logError(opListSince, "query_failed", err, zap.Int64("product_id", productID))
		return nil, newServiceError(opListSince, "query_failed", KindServer, err)
	}
	return events, nil
}

// ScoringEventsSince adapts ListSince to the scorer's input type.
func (s *Service) ScoringEventsSince(ctx context.Context, productID int64, storeIDs []string, since time.Time) ([]scoring.Event, error) {
	rows, err := s.ListSince(ctx, productID, storeIDs, since)
	if err != nil {
		return nil, err
	}
	events := make([]scoring.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.ScoringEvent())
	}
	return events, nil
}

// SubmitComment stores an unapproved comment.
func (s *Service) SubmitComment(ctx context.Context, input CommentInput) (Comment, error) {
	if _, err := NewCommentInput(input.StoreID, input.ProductID, input.Body); err != nil {
		return Comment{}, newServiceError(opSubmitComment, "invalid_input", KindClient, err)
	}
	comment := Comment{
		StoreID:    input.StoreID,
		ProductID:  input.ProductID,
		Body:       input.Body,
		IsApproved: false,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opSubmitComment, "insert_failed", err, zap.String("store_id", input.StoreID))
		return Comment{}, newServiceError(opSubmitComment, "insert_failed", KindServer, err)
	}
	return comment, nil
}

// ListApprovedComments returns the newest approved comments for a store.
func (s *Service) ListApprovedComments(ctx context.Context, storeID string) ([]Comment, error) {
	trimmed, err := validateStoreID(storeID)
	if err != nil {
		return nil, newServiceError(opListComments, "invalid_input", KindClient, err)
	}
	var comments []Comment
	if err := s.db.WithContext(ctx).
		Where("store_id = ? AND is_approved = ?", trimmed, true).
		Order("created_at DESC").
		Limit(maxCommentList).
		Find(&comments).Error; err != nil {
		s.logError(opListComments, "query_failed", err, zap.String("store_id", trimmed))
		return nil, newServiceError(opListComments, "query_failed", KindServer, err)
	}
	return comments, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("reports service error", attrs...)
}
