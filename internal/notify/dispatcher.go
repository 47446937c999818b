// Package notify matches fresh found reports against area watches and delivers push messages.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/reports"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLocator    = errors.New("store locator is required")
	errMissingRecipients = errors.New("recipient directory is required")
	errMissingSender     = errors.New("push sender is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
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

const (
	opDispatcherNew = "notify.dispatcher.new"
	opDispatch      = "notify.dispatch"
)

const (
	defaultEventTTL      = 2 * time.Hour
	defaultCooldown      = 30 * time.Minute
	defaultMaxRecipients = 300
	defaultConcurrency   = 16
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreLocator resolves store coordinates.
type StoreLocator interface {
	StoreLocation(ctx context.Context, storeID string) (geo.Coordinate, bool, error)
}

// RecipientDirectory resolves watchers to push targets and retires dead endpoints.
type RecipientDirectory interface {
	ActiveWatchers(ctx context.Context, productID int64, areaKey string, now time.Time, limit int) ([]string, error)
	EnabledTargets(ctx context.Context, subscriberIDs []string, limit int) ([]subscriptions.PushTarget, error)
	DisableEndpoint(ctx context.Context, endpoint string) error
}

// Observer receives dispatcher telemetry.
type Observer interface {
	ObserveOutcome(outcome string)
	ObserveDelivery(status string)
}

// IDProvider issues audit log identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type DispatcherConfig struct {
	Database      *gorm.DB
	Locator       StoreLocator
	Recipients    RecipientDirectory
	Sender        Sender
	Observer      Observer
	IDProvider    IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
	EventTTL      time.Duration
	Cooldown      time.Duration
	MaxRecipients int
	Concurrency   int
}

// Dispatcher runs the guarded notification pipeline for one trigger at a time.
// Concurrent invocations coordinate only through unique keys in the database.
type Dispatcher struct {
	db            *gorm.DB
	locator       StoreLocator
	recipients    RecipientDirectory
	sender        Sender
	observer      Observer
	idProvider    IDProvider
	clock         func() time.Time
	logger        *zap.Logger
	eventTTL      time.Duration
	cooldown      time.Duration
	maxRecipients int
	concurrency   int
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDispatcherNew, "missing_database", errMissingDatabase)
	}
	if cfg.Locator == nil {
		return nil, newServiceError(opDispatcherNew, "missing_locator", errMissingLocator)
	}
	if cfg.Recipients == nil {
		return nil, newServiceError(opDispatcherNew, "missing_recipients", errMissingRecipients)
	}
	if cfg.Sender == nil {
		return nil, newServiceError(opDispatcherNew, "missing_sender", errMissingSender)
	}

	dispatcher := &Dispatcher{
		db:            cfg.Database,
		locator:       cfg.Locator,
		recipients:    cfg.Recipients,
		sender:        cfg.Sender,
		observer:      cfg.Observer,
		idProvider:    cfg.IDProvider,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		eventTTL:      cfg.EventTTL,
		cooldown:      cfg.Cooldown,
		maxRecipients: cfg.MaxRecipients,
		concurrency:   cfg.Concurrency,
	}
	if dispatcher.observer == nil {
		dispatcher.observer = noopObserver{}
	}
	if dispatcher.idProvider == nil {
		dispatcher.idProvider = NewUUIDProvider()
	}
	if dispatcher.clock == nil {
		dispatcher.clock = time.Now
	}
	if dispatcher.logger == nil {
		dispatcher.logger = noOpLogger
	}
	if dispatcher.eventTTL <= 0 {
		dispatcher.eventTTL = defaultEventTTL
	}
	if dispatcher.cooldown <= 0 {
		dispatcher.cooldown = defaultCooldown
	}
	if dispatcher.maxRecipients <= 0 {
		dispatcher.maxRecipients = defaultMaxRecipients
	}
	if dispatcher.concurrency <= 0 {
		dispatcher.concurrency = defaultConcurrency
	}
	return dispatcher, nil
}

// Dispatch evaluates the guards in order and returns at the first one that stops
// the event. Once an event key is claimed, exactly one audit row is written.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger Trigger) (Outcome, error) {
	outcome, err := d.dispatch(ctx, trigger)
	if err != nil {
		d.observer.ObserveOutcome(string(outcomeError))
		return Outcome{}, err
	}
	d.observer.ObserveOutcome(string(outcome.Kind))
	return outcome, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, trigger Trigger) (Outcome, error) {
	if trigger.Type != TriggerTypeInsert || trigger.Table != ReportTable {
		return Outcome{Kind: OutcomeIgnored}, nil
	}

	record, err := parseRecord(trigger.Record)
	if err != nil {
		d.logger.Debug("notify trigger ignored", zap.String("reason", "malformed_record"), zap.Error(err))
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	if record.Status != "found" {
		return Outcome{Kind: OutcomeIgnored}, nil
	}
	if !record.createdAtOK {
		return Outcome{Kind: OutcomeIgnored}, nil
	}

	now := d.clock().UTC()
	if now.Sub(record.CreatedAt) > d.eventTTL {
		return Outcome{Kind: OutcomeIgnoredTTL}, nil
	}

	eventKey := record.eventKey()
	claimed, err := d.claim(ctx, eventKey, now)
	if err != nil {
		d.logError(opDispatch, "claim_failed", err, zap.String("event_key", eventKey))
		return Outcome{}, newServiceError(opDispatch, "claim_failed", err)
	}
	if !claimed {
		return Outcome{Kind: OutcomeDedup}, nil
	}

	payload := newPayload(record.StoreID, record.ProductID)
	entry := NotificationLog{
		EventKey:  eventKey,
		StoreID:   record.StoreID,
		ProductID: record.ProductID,
	}

	outcome, err := d.deliverClaimed(ctx, record, payload, &entry, now)
	if err != nil {
		entry.Outcome = outcomeError
		d.writeLog(ctx, entry, payload, now)
		return Outcome{}, err
	}
	entry.Outcome = outcome.Kind
	entry.SentCount = outcome.Sent
	d.writeLog(ctx, entry, payload, now)
	return outcome, nil
}

func (d *Dispatcher) deliverClaimed(ctx context.Context, record reportRecord, payload Payload, entry *NotificationLog, now time.Time) (Outcome, error) {
	if record.StoreID == "" || record.ProductID <= 0 {
		return Outcome{Kind: OutcomeNoStoreGeo}, nil
	}
	location, ok, err := d.locator.StoreLocation(ctx, record.StoreID)
	if err != nil {
		d.logError(opDispatch, "store_lookup_failed", err, zap.String("store_id", record.StoreID))
		return Outcome{}, newServiceError(opDispatch, "store_lookup_failed", err)
	}
	if !ok {
		return Outcome{Kind: OutcomeNoStoreGeo}, nil
	}
	areaKey := location.AreaKey()
	entry.AreaKey = areaKey

	coolingDown, err := d.withinCooldown(ctx, record.ProductID, areaKey, now)
	if err != nil {
		d.logError(opDispatch, "cooldown_lookup_failed", err,
			zap.Int64("product_id", record.ProductID),
			zap.String("area_key", areaKey))
		return Outcome{}, newServiceError(opDispatch, "cooldown_lookup_failed", err)
	}
	if coolingDown {
		return Outcome{Kind: OutcomeCooldown}, nil
	}

	watchers, err := d.recipients.ActiveWatchers(ctx, record.ProductID, areaKey, now, d.maxRecipients)
	if err != nil {
		return Outcome{}, newServiceError(opDispatch, "watchers_lookup_failed", err)
	}
	if len(watchers) == 0 {
		return Outcome{Kind: OutcomeNoWatchers}, nil
	}

	targets, err := d.recipients.EnabledTargets(ctx, watchers, d.maxRecipients)
	if err != nil {
		return Outcome{}, newServiceError(opDispatch, "targets_lookup_failed", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, newServiceError(opDispatch, "payload_encode_failed", err)
	}

	outcome := d.deliver(ctx, targets, body)
	if outcome.Sent > 0 {
		if err := d.touchCooldown(ctx, record.ProductID, areaKey, now); err != nil {
			d.logError(opDispatch, "cooldown_upsert_failed", err,
				zap.Int64("product_id", record.ProductID),
				zap.String("area_key", areaKey))
		}
	}
	return outcome, nil
}

// deliver sends the payload to every target concurrently and waits for all of them.
// Individual failures never abort the other deliveries.
func (d *Dispatcher) deliver(ctx context.Context, targets []subscriptions.PushTarget, body []byte) Outcome {
	outcome := Outcome{Kind: OutcomeSent, Attempted: len(targets)}
	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(d.concurrency)

	for _, target := range targets {
		target := target
		group.Go(func() error {
			result := d.sender.Send(ctx, target, body)
			d.observer.ObserveDelivery(string(result.Status))

			switch result.Status {
			case DeliveryDelivered:
				mu.Lock()
				outcome.Sent++
				mu.Unlock()
			case DeliveryGone:
				if err := d.recipients.DisableEndpoint(ctx, target.Endpoint); err != nil {
					d.logError(opDispatch, "disable_endpoint_failed", err, zap.String("endpoint", target.Endpoint))
					return nil
				}
				mu.Lock()
				outcome.Disabled++
				mu.Unlock()
			default:
				d.logger.Warn("push delivery failed",
					zap.String("endpoint", target.Endpoint),
					zap.Int("status_code", result.StatusCode),
					zap.Error(result.Err))
			}
			return nil
		})
	}
	_ = group.Wait()
	return outcome
}

// claim inserts the processed marker. A false result means another invocation owns the key.
func (d *Dispatcher) claim(ctx context.Context, eventKey string, now time.Time) (bool, error) {
	marker := ProcessedEvent{EventKey: eventKey, ProcessedAt: now}
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&marker)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Dispatcher) withinCooldown(ctx context.Context, productID int64, areaKey string, now time.Time) (bool, error) {
	var cooldown Cooldown
	err := d.db.WithContext(ctx).
		Where("product_id = ? AND area_key = ?", productID, areaKey).
		Take(&cooldown).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(cooldown.LastSentAt) < d.cooldown, nil
}

func (d *Dispatcher) touchCooldown(ctx context.Context, productID int64, areaKey string, now time.Time) error {
	cooldown := Cooldown{ProductID: productID, AreaKey: areaKey, LastSentAt: now}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}, {Name: "area_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sent_at"}),
	}).Create(&cooldown).Error
}

func (d *Dispatcher) writeLog(ctx context.Context, entry NotificationLog, payload Payload, now time.Time) {
	id, err := d.idProvider.NewID()
	if err != nil {
		d.logError(opDispatch, "log_id_failed", err, zap.String("event_key", entry.EventKey))
		return
	}
	encoded, err := json.Marshal(struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		URL   string `json:"url"`
	}{Title: payload.Title, Body: payload.Body, URL: payload.URL})
	if err != nil {
		d.logError(opDispatch, "log_payload_failed", err, zap.String("event_key", entry.EventKey))
		return
	}
	entry.ID = id
	entry.Payload = datatypes.JSON(encoded)
	entry.CreatedAt = now
	if err := d.db.WithContext(ctx).Create(&entry).Error; err != nil {
		d.logError(opDispatch, "log_insert_failed", err, zap.String("event_key", entry.EventKey))
	}
}

// ReportFound feeds a freshly stored found report through the pipeline.
func (d *Dispatcher) ReportFound(ctx context.Context, event reports.ReportEvent) {
	trigger, err := TriggerFromReport(event)
	if err != nil {
		d.logError(opDispatch, "trigger_encode_failed", err, zap.String("store_id", event.StoreID))
		return
	}
	outcome, err := d.Dispatch(ctx, trigger)
	if err != nil {
		return
	}
	d.logger.Info("report dispatched",
		zap.String("store_id", event.StoreID),
		zap.Int64("product_id", event.ProductID),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("sent", outcome.Sent))
}

// TriggerFromReport wraps a stored report as an insert trigger on the report table.
func TriggerFromReport(event reports.ReportEvent) (Trigger, error) {
	record := struct {
		ID        int64   `json:"id"`
		StoreID   string  `json:"store_id"`
		ProductID int64   `json:"product_id"`
		Status    string  `json:"status"`
		SessionID *string `json:"session_id"`
		CreatedAt string  `json:"created_at"`
		Origin    string  `json:"origin"`
	}{
		ID:        event.ID,
		StoreID:   event.StoreID,
		ProductID: event.ProductID,
		Status:    string(event.Status),
		SessionID: event.SessionID,
		CreatedAt: event.CreatedAt.UTC().Format(time.RFC3339Nano),
		Origin:    event.Origin,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{Type: TriggerTypeInsert, Table: ReportTable, Record: encoded}, nil
}

func (d *Dispatcher) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("notify dispatcher error", attrs...)
}

type noopObserver struct{}

func (noopObserver) ObserveOutcome(string)  {}
func (noopObserver) ObserveDelivery(string) {}
