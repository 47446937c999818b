package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qpick/availability/backend/internal/geo"
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
	opServiceNew      = "subscriptions.service.new"
	opEnableWatch     = "subscriptions.enable_watch"
	opDisableWatch    = "subscriptions.disable_watch"
	opWatchState      = "subscriptions.watch_state"
	opRegisterPush    = "subscriptions.register_push"
	opDisablePush     = "subscriptions.disable_push"
	opActiveWatchers  = "subscriptions.active_watchers"
	opEnabledTargets  = "subscriptions.enabled_targets"
	opDisableEndpoint = "subscriptions.disable_endpoint"
)

const defaultWatchTTL = 7 * 24 * time.Hour

func newServiceError(operation, reason string, kind ErrorKind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	WatchTTL time.Duration
}

// Registry stores watch subscriptions and push registrations.
type Registry struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	watchTTL time.Duration
}

func NewRegistry(cfg ServiceConfig) (*Registry, error) {
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

	watchTTL := cfg.WatchTTL
	if watchTTL <= 0 {
		watchTTL = defaultWatchTTL
	}

	return &Registry{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		watchTTL: watchTTL,
	}, nil
}

// EnableWatch creates or refreshes the subscriber's watch for the product and
// returns the area bucket it now points at.
func (r *Registry) EnableWatch(ctx context.Context, subscriberID SubscriberID, productID int64, location geo.Coordinate) (string, error) {
	if subscriberID == "" {
		return "", newServiceError(opEnableWatch, "invalid_input", KindClient, ErrInvalidSubscriberID)
	}
	if productID <= 0 {
		return "", newServiceError(opEnableWatch, "invalid_input", KindClient, ErrInvalidProductID)
	}
	if _, err := geo.NewCoordinate(location.Latitude, location.Longitude); err != nil {
		return "", newServiceError(opEnableWatch, "invalid_input", KindClient, err)
	}

	now := r.clock().UTC()
	watch := Watch{
		SubscriberID: subscriberID.String(),
		ProductID:    productID,
		AreaKey:      location.AreaKey(),
		IsEnabled:    true,
		ExpiresAt:    now.Add(r.watchTTL),
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"area_key", "is_enabled", "expires_at", "updated_at"}),
	}).Create(&watch).Error
	if err != nil {
		r.logError(opEnableWatch, "upsert_failed", err,
			zap.String("subscriber_id", subscriberID.String()),
			zap.Int64("product_id", productID))
		return "", newServiceError(opEnableWatch, "upsert_failed", KindServer, err)
	}
	return watch.AreaKey, nil
}

// DisableWatch soft-disables the watch. Disabling a missing watch is not an error.
func (r *Registry) DisableWatch(ctx context.Context, subscriberID SubscriberID, productID int64) error {
	if subscriberID == "" {
		return newServiceError(opDisableWatch, "invalid_input", KindClient, ErrInvalidSubscriberID)
	}
	if productID <= 0 {
		return newServiceError(opDisableWatch, "invalid_input", KindClient, ErrInvalidProductID)
	}
	err := r.db.WithContext(ctx).
		Model(&Watch{}).
		Where("subscriber_id = ? AND product_id = ?", subscriberID.String(), productID).
		Updates(map[string]any{"is_enabled": false, "updated_at": r.clock().UTC()}).Error
	if err != nil {
		r.logError(opDisableWatch, "update_failed", err,
			zap.String("subscriber_id", subscriberID.String()),
			zap.Int64("product_id", productID))
		return newServiceError(opDisableWatch, "update_failed", KindServer, err)
	}
	return nil
}

// WatchState reports whether the watch is enabled and unexpired right now.
func (r *Registry) WatchState(ctx context.Context, subscriberID SubscriberID, productID int64) (bool, error) {
	if subscriberID == "" {
		return false, newServiceError(opWatchState, "invalid_input", KindClient, ErrInvalidSubscriberID)
	}
	if productID <= 0 {
		return false, newServiceError(opWatchState, "invalid_input", KindClient, ErrInvalidProductID)
	}
	var watch Watch
	err := r.db.WithContext(ctx).
		Where("subscriber_id = ? AND product_id = ?", subscriberID.String(), productID).
		Take(&watch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		r.logError(opWatchState, "query_failed", err, zap.String("subscriber_id", subscriberID.String()))
		return false, newServiceError(opWatchState, "query_failed", KindServer, err)
	}
	return watch.ActiveAt(r.clock().UTC()), nil
}

// RegisterPush creates or re-enables a push registration keyed by endpoint.
// Re-registering an endpoint moves it to the latest subscriber.
func (r *Registry) RegisterPush(ctx context.Context, subscriberID SubscriberID, endpoint string, keys PushKeys, userAgent string) error {
	if subscriberID == "" {
		return newServiceError(opRegisterPush, "invalid_input", KindClient, ErrInvalidSubscriberID)
	}
	validEndpoint, err := validateEndpoint(endpoint)
	if err != nil {
		return newServiceError(opRegisterPush, "invalid_input", KindClient, err)
	}
	validKeys, err := validateKeys(keys)
	if err != nil {
		return newServiceError(opRegisterPush, "invalid_input", KindClient, err)
	}

	registration := PushRegistration{
		SubscriberID: subscriberID.String(),
		Endpoint:     validEndpoint,
		P256dhKey:    validKeys.P256dh,
		AuthKey:      validKeys.Auth,
		IsEnabled:    true,
		UserAgent:    userAgent,
		UpdatedAt:    r.clock().UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"subscriber_id", "p256dh", "auth", "is_enabled", "user_agent", "updated_at"}),
	}).Create(&registration).Error
	if err != nil {
		r.logError(opRegisterPush, "upsert_failed", err, zap.String("subscriber_id", subscriberID.String()))
		return newServiceError(opRegisterPush, "upsert_failed", KindServer, err)
	}
	return nil
}

// DisablePush soft-disables every registration owned by the subscriber.
func (r *Registry) DisablePush(ctx context.Context, subscriberID SubscriberID) error {
	if subscriberID == "" {
		return newServiceError(opDisablePush, "invalid_input", KindClient, ErrInvalidSubscriberID)
	}
	err := r.db.WithContext(ctx).
		Model(&PushRegistration{}).
		Where("subscriber_id = ?", subscriberID.String()).
		Updates(map[string]any{"is_enabled": false, "updated_at": r.clock().UTC()}).Error
	if err != nil {
		r.logError(opDisablePush, "update_failed", err, zap.String("subscriber_id", subscriberID.String()))
		return newServiceError(opDisablePush, "update_failed", KindServer, err)
	}
	return nil
}

// ActiveWatchers returns distinct subscribers with an active watch on the product in the area.
func (r *Registry) ActiveWatchers(ctx context.Context, productID int64, areaKey string, now time.Time, limit int) ([]string, error) {
	query := r.db.WithContext(ctx).
		Model(&Watch{}).
		Distinct("subscriber_id").
		Where("product_id = ? AND area_key = ? AND is_enabled = ? AND expires_at > ?", productID, areaKey, true, now.UTC()).
		Order("subscriber_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var subscriberIDs []string
	if err := query.Pluck("subscriber_id", &subscriberIDs).Error; err != nil {
		r.logError(opActiveWatchers, "query_failed", err,
			zap.Int64("product_id", productID),
			zap.String("area_key", areaKey))
		return nil, newServiceError(opActiveWatchers, "query_failed", KindServer, err)
	}
	return subscriberIDs, nil
}

// EnabledTargets returns enabled push registrations owned by the subscribers, at most limit rows.
func (r *Registry) EnabledTargets(ctx context.Context, subscriberIDs []string, limit int) ([]PushTarget, error) {
	if len(subscriberIDs) == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx).
		Where("subscriber_id IN ? AND is_enabled = ?", subscriberIDs, true).
		Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []PushRegistration
	if err := query.Find(&rows).Error; err != nil {
		r.logError(opEnabledTargets, "query_failed", err, zap.Int("subscribers", len(subscriberIDs)))
		return nil, newServiceError(opEnabledTargets, "query_failed", KindServer, err)
	}
	targets := make([]PushTarget, 0, len(rows))
	for _, row := range rows {
		targets = append(targets, PushTarget{
			SubscriberID: row.SubscriberID,
			Endpoint:     row.Endpoint,
			P256dhKey:    row.P256dhKey,
			AuthKey:      row.AuthKey,
		})
	}
	return targets, nil
}

// DisableEndpoint soft-disables one registration after the push service reported it gone.
func (r *Registry) DisableEndpoint(ctx context.Context, endpoint string) error {
	err := r.db.WithContext(ctx).
		Model(&PushRegistration{}).
		Where("endpoint = ?", endpoint).
		Updates(map[string]any{"is_enabled": false, "updated_at": r.clock().UTC()}).Error
	if err != nil {
		r.logError(opDisableEndpoint, "update_failed", err, zap.String("endpoint", endpoint))
		return newServiceError(opDisableEndpoint, "update_failed", KindServer, err)
	}
	return nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("subscriptions registry error", attrs...)
}
