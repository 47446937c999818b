package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/qpick/availability/backend/internal/config"
	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/notify"
	"github.com/qpick/availability/backend/internal/reports"
	"github.com/qpick/availability/backend/internal/search"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

// Models lists every persisted model in migration order.
func Models() []interface{} {
	return []interface{}{
		&geo.Store{},
		&geo.Product{},
		&reports.ReportEvent{},
		&reports.Comment{},
		&subscriptions.Watch{},
		&subscriptions.PushRegistration{},
		&notify.ProcessedEvent{},
		&notify.Cooldown{},
		&notify.NotificationLog{},
		&search.SearchLog{},
		&migrationRecord{},
	}
}

// Open establishes a connection for the configured driver and performs schema migrations.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	target := cfg.Path
	switch cfg.Driver {
	case config.DriverSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		dialector = sqlite.Open(cfg.Path)
	case config.DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
		target = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if cfg.Driver != config.DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", cfg.Driver), zap.String("target", target))
	}

	return db, nil
}

// Migrate creates or updates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
