package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qpick/availability/backend/internal/config"
	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

func TestApplyMigrationsNormalizesLegacyRows(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	stores := []geo.Store{{ID: "s1", Chain: " Lawson "}, {ID: "s2", Chain: "familymart"}}
	if err := database.Create(&stores).Error; err != nil {
		testContext.Fatalf("failed to insert stores: %v", err)
	}
	registrations := []subscriptions.PushRegistration{
		{SubscriberID: "a", Endpoint: "https://push.example/a", P256dhKey: "key", AuthKey: "", IsEnabled: true, UpdatedAt: time.Now()},
		{SubscriberID: "b", Endpoint: "https://push.example/b", P256dhKey: "key", AuthKey: "auth", IsEnabled: true, UpdatedAt: time.Now()},
	}
	if err := database.Create(&registrations).Error; err != nil {
		testContext.Fatalf("failed to insert registrations: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored geo.Store
	if err := database.Where("id = ?", "s1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload store: %v", err)
	}
	if stored.Chain != "lawson" {
		testContext.Fatalf("expected normalized chain, got %q", stored.Chain)
	}

	var enabled []subscriptions.PushRegistration
	if err := database.Where("is_enabled = ?", true).Find(&enabled).Error; err != nil {
		testContext.Fatalf("failed to load registrations: %v", err)
	}
	if len(enabled) != 1 || enabled[0].SubscriberID != "b" {
		testContext.Fatalf("expected only the keyed registration to stay enabled, got %+v", enabled)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", len(records))
	}
	for _, record := range records {
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", record.Name)
		}
	}

	if err := database.Create(&geo.Store{ID: "s3", Chain: "LAWSON"}).Error; err != nil {
		testContext.Fatalf("failed to insert store: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if err := database.Where("id = ?", "s3").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload store: %v", err)
	}
	if stored.Chain != "LAWSON" {
		testContext.Fatalf("expected applied migrations to be skipped, got %q", stored.Chain)
	}
}

func TestOpenCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "qpick.db")

	database, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}

func TestOpenRejectsBadConfig(testContext *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite}, nil); err == nil {
		testContext.Fatalf("expected missing path error")
	}
	if _, err := Open(config.DatabaseConfig{Driver: config.DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
	if _, err := Open(config.DatabaseConfig{Driver: "mysql", Path: "x"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
