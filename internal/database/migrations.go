package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/studio"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rows written before versioning carried a zero version, which clients read as
// an unconfirmed optimistic creation.
const migrationConfirmUnversionedRows = "2026-10-01_confirm_unversioned_rows"

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
		{name: migrationConfirmUnversionedRows, apply: confirmUnversionedRows},
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

func confirmUnversionedRows(db *gorm.DB) error {
	for _, model := range []any{&studio.Quote{}, &studio.LineItem{}, &studio.Task{}} {
		if err := db.Model(model).Where("version <= 0").Update("version", 1).Error; err != nil {
			return err
		}
	}
	return nil
}
