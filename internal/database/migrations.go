package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

const (
	migrationNormalizeStoreChains   = "2025-02-10_normalize_store_chains"
	migrationDisableKeylessPushRows = "2025-02-24_disable_keyless_push_subscriptions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeStoreChains, apply: normalizeStoreChains},
		{name: migrationDisableKeylessPushRows, apply: disableKeylessPushSubscriptions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeStoreChains rewrites imported chain names ("Lawson ", "FamilyMart") to
// the lowercase form the chain filter compares against.
func normalizeStoreChains(db *gorm.DB) error {
	return db.Model(&geo.Store{}).
		Where("chain <> LOWER(TRIM(chain))").
		Update("chain", gorm.Expr("LOWER(TRIM(chain))")).Error
}

// disableKeylessPushSubscriptions turns off registrations that can never be
// encrypted to.
func disableKeylessPushSubscriptions(db *gorm.DB) error {
	return db.Model(&subscriptions.PushRegistration{}).
		Where("p256dh = '' OR auth = ''").
		Update("is_enabled", false).Error
}
