package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

const migrationBackfillParentChecksum = "2026-10-14_backfill_parent_checksum"

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
		{name: migrationBackfillParentChecksum, apply: backfillParentChecksum},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillParentChecksum pins the parent content of rows written before parent_checksum
// existed, using the retained lineage. A parent missing from the lineage stays empty,
// which the relay treats as unproven.
func backfillParentChecksum(db *gorm.DB) error {
	for _, model := range []schema.Tabler{records.Record{}, records.RecordVersion{}, queue.Operation{}} {
		table := model.TableName()
		lookup := fmt.Sprintf("COALESCE((SELECT parent.checksum FROM record_versions parent"+
			" WHERE parent.record_id = %[1]s.record_id AND parent.version = %[1]s.parent_version), '')", table)
		if err := db.Table(table).
			Where("parent_version > 0 AND parent_checksum = ''").
			Update("parent_checksum", gorm.Expr(lookup)).Error; err != nil {
			return err
		}
	}
	return nil
}
