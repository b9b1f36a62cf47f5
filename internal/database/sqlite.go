package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/conflicts"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/devices"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates every table used by relay and device processes, then applies the
// named data migrations that have not run yet.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&records.Record{},
		&records.RecordVersion{},
		&records.AuditEntry{},
		&queue.Operation{},
		&conflicts.Case{},
		&devices.Device{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
