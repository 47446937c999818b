package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/reports"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

var dispatchNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mapLocator struct {
	locations map[string]geo.Coordinate
	err       error
}

func (l *mapLocator) StoreLocation(_ context.Context, storeID string) (geo.Coordinate, bool, error) {
	if l.err != nil {
		return geo.Coordinate{}, false, l.err
	}
	location, ok := l.locations[storeID]
	return location, ok, nil
}

type scriptedSender struct {
	mu       sync.Mutex
	statuses map[string]int
	payloads [][]byte
	calls    int
}

func (s *scriptedSender) Send(_ context.Context, target subscriptions.PushTarget, payload []byte) DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.payloads = append(s.payloads, payload)
	code, ok := s.statuses[target.Endpoint]
	if !ok {
		code = 201
	}
	return DeliveryResult{Status: ClassifyStatusCode(code), StatusCode: code}
}

type countingObserver struct {
	mu         sync.Mutex
	outcomes   map[string]int
	deliveries map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[string]int{}, deliveries: map[string]int{}}
}

func (o *countingObserver) ObserveOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) ObserveDelivery(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliveries[status]++
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	db         *gorm.DB
	registry   *subscriptions.Registry
	sender     *scriptedSender
	locator    *mapLocator
	observer   *countingObserver
}

const (
	tokyoStore = "store-tokyo"
	osakaStore = "store-osaka"
)

func newDispatchFixture(t *testing.T, mutate func(*DispatcherConfig)) *dispatchFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notify.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ProcessedEvent{}, &Cooldown{}, &NotificationLog{}, &subscriptions.Watch{}, &subscriptions.PushRegistration{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return dispatchNow }
	registry, err := subscriptions.NewRegistry(subscriptions.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	fixture := &dispatchFixture{
		db:       db,
		registry: registry,
		sender:   &scriptedSender{statuses: map[string]int{}},
		locator: &mapLocator{locations: map[string]geo.Coordinate{
			tokyoStore: {Latitude: 35.6812, Longitude: 139.7671},
			osakaStore: {Latitude: 34.7025, Longitude: 135.4959},
		}},
		observer: newCountingObserver(),
	}
	cfg := DispatcherConfig{
		Database:   db,
		Locator:    fixture.locator,
		Recipients: registry,
		Sender:     fixture.sender,
		Observer:   fixture.observer,
		Clock:      clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dispatcher, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	fixture.dispatcher = dispatcher
	return fixture
}

func (f *dispatchFixture) watch(t *testing.T, subscriber string, productID int64, location geo.Coordinate, endpoints ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.registry.EnableWatch(ctx, subscriptions.SubscriberID(subscriber), productID, location); err != nil {
		t.Fatalf("enable watch: %v", err)
	}
	for _, endpoint := range endpoints {
		if err := f.registry.RegisterPush(ctx, subscriptions.SubscriberID(subscriber), endpoint, subscriptions.PushKeys{P256dh: "p", Auth: "a"}, "test"); err != nil {
			t.Fatalf("register push: %v", err)
		}
	}
}

func (f *dispatchFixture) logs(t *testing.T) []NotificationLog {
	t.Helper()
	var rows []NotificationLog
	if err := f.db.Order("created_at").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load logs: %v", err)
	}
	return rows
}

func foundTrigger(t *testing.T, storeID string, productID int64, session string, createdAt time.Time) Trigger {
	t.Helper()
	record := map[string]any{
		"store_id":   storeID,
		"product_id": productID,
		"status":     "found",
		"created_at": createdAt.Format(time.RFC3339Nano),
	}
	if session != "" {
		record["session_id"] = session
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return Trigger{Type: TriggerTypeInsert, Table: ReportTable, Record: encoded}
}

func TestDispatchIgnoresIrrelevantTriggers(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	ctx := context.Background()
	valid := foundTrigger(t, tokyoStore, 1, "s", dispatchNow)

	tests := []struct {
		name    string
		trigger Trigger
	}{
		{name: "update trigger", trigger: Trigger{Type: "UPDATE", Table: ReportTable, Record: valid.Record}},
		{name: "other table", trigger: Trigger{Type: TriggerTypeInsert, Table: "feedback", Record: valid.Record}},
		{name: "not found status", trigger: Trigger{Type: TriggerTypeInsert, Table: ReportTable, Record: json.RawMessage(`{"store_id":"store-tokyo","product_id":1,"status":"not_found","created_at":"2025-03-01T12:00:00Z"}`)}},
		{name: "missing record", trigger: Trigger{Type: TriggerTypeInsert, Table: ReportTable}},
		{name: "invalid created_at", trigger: Trigger{Type: TriggerTypeInsert, Table: ReportTable, Record: json.RawMessage(`{"store_id":"store-tokyo","product_id":1,"status":"found","created_at":"yesterday"}`)}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			outcome, err := fixture.dispatcher.Dispatch(ctx, testCase.trigger)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Kind != OutcomeIgnored {
				t.Fatalf("expected ignored, got %s", outcome.Kind)
			}
		})
	}

	var markers int64
	if err := fixture.db.Model(&ProcessedEvent{}).Count(&markers).Error; err != nil {
		t.Fatalf("count markers: %v", err)
	}
	if markers != 0 {
		t.Fatalf("ignored triggers must not claim markers, got %d", markers)
	}
}

func TestDispatchIgnoresStaleEvents(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	ctx := context.Background()

	stale, err := fixture.dispatcher.Dispatch(ctx, foundTrigger(t, tokyoStore, 1, "s1", dispatchNow.Add(-2*time.Hour-time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stale.Kind != OutcomeIgnoredTTL {
		t.Fatalf("expected ignored_ttl, got %s", stale.Kind)
	}

	boundary, err := fixture.dispatcher.Dispatch(ctx, foundTrigger(t, tokyoStore, 1, "s2", dispatchNow.Add(-2*time.Hour)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if boundary.Kind == OutcomeIgnoredTTL {
		t.Fatalf("event exactly at the ttl boundary should still be processed")
	}
	if len(fixture.logs(t)) != 1 {
		t.Fatalf("expected only the fresh event to be logged")
	}
}

func TestDispatchDeduplicatesByEventKey(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	ctx := context.Background()
	trigger := foundTrigger(t, tokyoStore, 1, "session-1", dispatchNow)

	first, err := fixture.dispatcher.Dispatch(ctx, trigger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Kind != OutcomeNoWatchers {
		t.Fatalf("expected no_watchers, got %s", first.Kind)
	}
	second, err := fixture.dispatcher.Dispatch(ctx, trigger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != OutcomeDedup {
		t.Fatalf("expected dedup, got %s", second.Kind)
	}

	var marker ProcessedEvent
	if err := fixture.db.Take(&marker).Error; err != nil {
		t.Fatalf("expected marker: %v", err)
	}
	if marker.EventKey != "store-tokyo:1:session-1" {
		t.Fatalf("unexpected event key %s", marker.EventKey)
	}
	if logs := fixture.logs(t); len(logs) != 1 || logs[0].Outcome != OutcomeNoWatchers {
		t.Fatalf("expected exactly one no_watchers log, got %#v", logs)
	}
}

func TestDispatchEventKeyFallsBackToCreatedAt(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	createdAt := "2025-03-01T11:59:00.123456+00:00"
	trigger := Trigger{
		Type:   TriggerTypeInsert,
		Table:  ReportTable,
		Record: json.RawMessage(fmt.Sprintf(`{"store_id":"store-tokyo","product_id":"5","status":"found","session_id":null,"created_at":%q}`, createdAt)),
	}
	if _, err := fixture.dispatcher.Dispatch(context.Background(), trigger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var marker ProcessedEvent
	if err := fixture.db.Take(&marker).Error; err != nil {
		t.Fatalf("expected marker: %v", err)
	}
	if marker.EventKey != "store-tokyo:5:"+createdAt {
		t.Fatalf("unexpected event key %s", marker.EventKey)
	}
}

func TestDispatchReportsMissingStoreGeo(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	outcome, err := fixture.dispatcher.Dispatch(context.Background(), foundTrigger(t, "unknown-store", 1, "s", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeNoStoreGeo {
		t.Fatalf("expected no_store_geo, got %s", outcome.Kind)
	}
	logs := fixture.logs(t)
	if len(logs) != 1 || logs[0].Outcome != OutcomeNoStoreGeo || logs[0].AreaKey != "" {
		t.Fatalf("unexpected logs %#v", logs)
	}
	again, err := fixture.dispatcher.Dispatch(context.Background(), foundTrigger(t, "unknown-store", 1, "s", dispatchNow))
	if err != nil || again.Kind != OutcomeDedup {
		t.Fatalf("expected dedup on retry, got %s err=%v", again.Kind, err)
	}
}

func TestDispatchHonorsCooldown(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	ctx := context.Background()
	tokyo := fixture.locator.locations[tokyoStore]
	fixture.watch(t, "sub-a", 1, tokyo, "https://push.example/a")

	recent := Cooldown{ProductID: 1, AreaKey: tokyo.AreaKey(), LastSentAt: dispatchNow.Add(-29 * time.Minute)}
	if err := fixture.db.Create(&recent).Error; err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}
	outcome, err := fixture.dispatcher.Dispatch(ctx, foundTrigger(t, tokyoStore, 1, "s1", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeCooldown {
		t.Fatalf("expected cooldown, got %s", outcome.Kind)
	}
	if fixture.sender.calls != 0 {
		t.Fatalf("expected no deliveries during cooldown")
	}

	if err := fixture.db.Model(&Cooldown{}).Where("product_id = ?", 1).Update("last_sent_at", dispatchNow.Add(-31*time.Minute)).Error; err != nil {
		t.Fatalf("age cooldown: %v", err)
	}
	outcome, err = fixture.dispatcher.Dispatch(ctx, foundTrigger(t, tokyoStore, 1, "s2", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeSent || outcome.Sent != 1 {
		t.Fatalf("expected one send after cooldown, got %+v", outcome)
	}
}

func TestDispatchCooldownIsPerProductAndArea(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	ctx := context.Background()
	tokyo := fixture.locator.locations[tokyoStore]
	osaka := fixture.locator.locations[osakaStore]
	fixture.watch(t, "sub-tokyo", 1, tokyo, "https://push.example/tokyo")
	fixture.watch(t, "sub-osaka", 1, osaka, "https://push.example/osaka")
	fixture.watch(t, "sub-tokyo-2", 2, tokyo, "https://push.example/tokyo-2")

	for _, trigger := range []Trigger{
		foundTrigger(t, tokyoStore, 1, "s1", dispatchNow),
		foundTrigger(t, osakaStore, 1, "s2", dispatchNow),
		foundTrigger(t, tokyoStore, 2, "s3", dispatchNow),
	} {
		outcome, err := fixture.dispatcher.Dispatch(ctx, trigger)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.Kind != OutcomeSent || outcome.Sent != 1 {
			t.Fatalf("expected independent sends, got %+v", outcome)
		}
	}

	outcome, err := fixture.dispatcher.Dispatch(ctx, foundTrigger(t, tokyoStore, 1, "s4", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeCooldown {
		t.Fatalf("expected cooldown for repeated product and area, got %s", outcome.Kind)
	}
}

func TestDispatchDeliversAndRetiresGoneEndpoints(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	ctx := context.Background()
	tokyo := fixture.locator.locations[tokyoStore]
	fixture.watch(t, "sub-a", 9, tokyo, "https://push.example/ok")
	fixture.watch(t, "sub-b", 9, tokyo, "https://push.example/gone", "https://push.example/flaky")
	fixture.watch(t, "sub-osaka", 9, fixture.locator.locations[osakaStore], "https://push.example/osaka")
	fixture.sender.statuses["https://push.example/gone"] = 410
	fixture.sender.statuses["https://push.example/flaky"] = 500

	outcome, err := fixture.dispatcher.Dispatch(ctx, foundTrigger(t, tokyoStore, 9, "s", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeSent || outcome.Sent != 1 || outcome.Attempted != 3 || outcome.Disabled != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	var gone subscriptions.PushRegistration
	if err := fixture.db.Where("endpoint = ?", "https://push.example/gone").Take(&gone).Error; err != nil {
		t.Fatalf("load gone registration: %v", err)
	}
	if gone.IsEnabled {
		t.Fatalf("expected gone endpoint to be disabled")
	}
	var flaky subscriptions.PushRegistration
	if err := fixture.db.Where("endpoint = ?", "https://push.example/flaky").Take(&flaky).Error; err != nil {
		t.Fatalf("load flaky registration: %v", err)
	}
	if !flaky.IsEnabled {
		t.Fatalf("transient failure must not disable the endpoint")
	}

	var cooldown Cooldown
	if err := fixture.db.Where("product_id = ? AND area_key = ?", 9, tokyo.AreaKey()).Take(&cooldown).Error; err != nil {
		t.Fatalf("expected cooldown row: %v", err)
	}
	if !cooldown.LastSentAt.Equal(dispatchNow) {
		t.Fatalf("unexpected cooldown time %s", cooldown.LastSentAt)
	}

	logs := fixture.logs(t)
	if len(logs) != 1 || logs[0].Outcome != OutcomeSent || logs[0].SentCount != 1 || logs[0].AreaKey != tokyo.AreaKey() {
		t.Fatalf("unexpected logs %#v", logs)
	}
	var stored map[string]string
	if err := json.Unmarshal(logs[0].Payload, &stored); err != nil {
		t.Fatalf("decode log payload: %v", err)
	}
	if stored["title"] != payloadTitle || stored["url"] != "/" {
		t.Fatalf("unexpected log payload %#v", stored)
	}

	var delivered Payload
	if err := json.Unmarshal(fixture.sender.payloads[0], &delivered); err != nil {
		t.Fatalf("decode push payload: %v", err)
	}
	if delivered.StoreID != tokyoStore || delivered.ProductID != 9 || delivered.Body != payloadBody {
		t.Fatalf("unexpected push payload %#v", delivered)
	}

	if fixture.observer.deliveries["gone"] != 1 || fixture.observer.deliveries["failed"] != 1 || fixture.observer.outcomes["sent"] != 1 {
		t.Fatalf("unexpected telemetry %#v %#v", fixture.observer.deliveries, fixture.observer.outcomes)
	}
}

func TestDispatchWithoutDeliveriesLeavesCooldownUntouched(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	tokyo := fixture.locator.locations[tokyoStore]
	fixture.watch(t, "sub-a", 3, tokyo, "https://push.example/down")
	fixture.sender.statuses["https://push.example/down"] = 503

	outcome, err := fixture.dispatcher.Dispatch(context.Background(), foundTrigger(t, tokyoStore, 3, "s", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeSent || outcome.Sent != 0 {
		t.Fatalf("expected zero sends, got %+v", outcome)
	}
	var count int64
	if err := fixture.db.Model(&Cooldown{}).Count(&count).Error; err != nil {
		t.Fatalf("count cooldowns: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no cooldown after failed deliveries")
	}
}

func TestDispatchCapsRecipients(t *testing.T) {
	fixture := newDispatchFixture(t, func(cfg *DispatcherConfig) {
		cfg.MaxRecipients = 2
		cfg.Concurrency = 1
	})
	tokyo := fixture.locator.locations[tokyoStore]
	for i := 0; i < 4; i++ {
		fixture.watch(t, fmt.Sprintf("sub-%d", i), 4, tokyo, fmt.Sprintf("https://push.example/%d", i))
	}

	outcome, err := fixture.dispatcher.Dispatch(context.Background(), foundTrigger(t, tokyoStore, 4, "s", dispatchNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Attempted != 2 || fixture.sender.calls != 2 {
		t.Fatalf("expected 2 attempts, got %+v calls=%d", outcome, fixture.sender.calls)
	}
}

func TestDispatchConcurrentDuplicatesProcessOnce(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	tokyo := fixture.locator.locations[tokyoStore]
	fixture.watch(t, "sub-a", 8, tokyo, "https://push.example/a")
	trigger := foundTrigger(t, tokyoStore, 8, "same-session", dispatchNow)

	const workers = 8
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			outcomes[index], errs[index] = fixture.dispatcher.Dispatch(context.Background(), trigger)
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if outcomes[i].Kind != OutcomeDedup {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("expected exactly one processed outcome, got %d", processed)
	}
	if fixture.sender.calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", fixture.sender.calls)
	}
	if logs := fixture.logs(t); len(logs) != 1 {
		t.Fatalf("expected exactly one log row, got %d", len(logs))
	}
}

func TestDispatchLocatorFailureIsLoggedAndRecorded(t *testing.T) {
	core, recorded := observer.New(zap.ErrorLevel)
	fixture := newDispatchFixture(t, func(cfg *DispatcherConfig) {
		cfg.Logger = zap.New(core)
	})
	fixture.locator.err = errors.New("directory offline")

	_, err := fixture.dispatcher.Dispatch(context.Background(), foundTrigger(t, tokyoStore, 1, "s", dispatchNow))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "notify.dispatch.store_lookup_failed" {
		t.Fatalf("expected store lookup failure, got %v", err)
	}
	if recorded.FilterField(zap.String("reason", "store_lookup_failed")).Len() != 1 {
		t.Fatalf("expected store lookup failure to be logged")
	}
	logs := fixture.logs(t)
	if len(logs) != 1 || logs[0].Outcome != outcomeError {
		t.Fatalf("expected one error log row, got %#v", logs)
	}
	retry, err := fixture.dispatcher.Dispatch(context.Background(), foundTrigger(t, tokyoStore, 1, "s", dispatchNow))
	if err != nil || retry.Kind != OutcomeDedup {
		t.Fatalf("expected claimed event to dedup on retry, got %s err=%v", retry.Kind, err)
	}
}

func TestReportFoundRunsPipeline(t *testing.T) {
	fixture := newDispatchFixture(t, nil)
	fixture.watch(t, "sub-a", 6, fixture.locator.locations[tokyoStore], "https://push.example/a")
	session := "session-x"

	fixture.dispatcher.ReportFound(context.Background(), reports.ReportEvent{
		ID:        1,
		StoreID:   tokyoStore,
		ProductID: 6,
		Status:    "found",
		CreatedAt: dispatchNow.Add(-time.Minute),
		SessionID: &session,
		Origin:    reports.OriginAPI,
	})

	if fixture.sender.calls != 1 {
		t.Fatalf("expected one delivery, got %d", fixture.sender.calls)
	}
	var marker ProcessedEvent
	if err := fixture.db.Take(&marker).Error; err != nil {
		t.Fatalf("expected marker: %v", err)
	}
	if marker.EventKey != "store-tokyo:6:session-x" {
		t.Fatalf("unexpected event key %s", marker.EventKey)
	}
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	if _, err := NewDispatcher(DispatcherConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
