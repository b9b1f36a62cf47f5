package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

func legacyRecord(id string, version int64) records.Record {
	return records.Record{
		RecordID:         id,
		OwnerID:          "user-1",
		Kind:             records.KindConsultation,
		Version:          version,
		ParentVersion:    version - 1,
		PayloadJSON:      `{"kind":"consultation","title":"legacy","consultation":{}}`,
		Checksum:         "checksum-v2",
		SyncStatus:       records.SyncStatusPending,
		CreatedAtMillis:  1,
		UpdatedAtMillis:  2,
		OriginDeviceID:   "device-a",
		LastWriterDevice: "device-a",
	}
}

func legacyVersion(id string, version int64, checksum string) records.RecordVersion {
	return records.RecordVersion{
		RecordID:         id,
		Version:          version,
		ParentVersion:    version - 1,
		PayloadJSON:      `{"kind":"consultation","title":"legacy","consultation":{}}`,
		Checksum:         checksum,
		UpdatedAtMillis:  version,
		WriterDevice:     "device-a",
		RecordedAtMillis: version,
	}
}

func mustInsert(t *testing.T, database *gorm.DB, rows ...any) {
	t.Helper()
	for _, row := range rows {
		if err := database.Create(row).Error; err != nil {
			t.Fatalf("failed to insert %T: %v", row, err)
		}
	}
}

func TestApplyMigrationsBackfillsParentChecksum(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&records.Record{}, &records.RecordVersion{}, &queue.Operation{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	first := legacyVersion("record-1", 1, "checksum-v1")
	second := legacyVersion("record-1", 2, "checksum-v2")
	head := legacyRecord("record-1", 2)
	operation := queue.Operation{
		OperationID:      "op-1",
		RecordID:         "record-1",
		OwnerID:          "user-1",
		Type:             queue.OperationUpdate,
		Version:          2,
		ParentVersion:    1,
		PayloadJSON:      head.PayloadJSON,
		Checksum:         head.Checksum,
		OriginDeviceID:   "device-a",
		WriterDeviceID:   "device-a",
		EnqueuedAtMillis: 2,
	}
	orphan := legacyRecord("record-2", 4)
	mustInsert(t, database, &first, &second, &head, &operation, &orphan)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var stored records.Record
	if err := database.Where("record_id = ?", head.RecordID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if stored.ParentChecksum != "checksum-v1" {
		t.Fatalf("expected head parent checksum from the lineage, got %q", stored.ParentChecksum)
	}

	var lineage []records.RecordVersion
	if err := database.Where("record_id = ?", "record-1").Order("version ASC").Find(&lineage).Error; err != nil {
		t.Fatalf("failed to reload lineage: %v", err)
	}
	if lineage[0].ParentChecksum != "" || lineage[1].ParentChecksum != "checksum-v1" {
		t.Fatalf("unexpected lineage parent checksums %q and %q", lineage[0].ParentChecksum, lineage[1].ParentChecksum)
	}

	var queued queue.Operation
	if err := database.Where("operation_id = ?", operation.OperationID).Take(&queued).Error; err != nil {
		t.Fatalf("failed to reload operation: %v", err)
	}
	if queued.ParentChecksum != "checksum-v1" {
		t.Fatalf("expected queued operation backfilled, got %q", queued.ParentChecksum)
	}

	var unresolved records.Record
	_ = database.Where("record_id = ?", orphan.RecordID).Take(&unresolved).Error
	if unresolved.ParentChecksum != "" {
		t.Fatalf("expected a parent missing from the lineage to stay empty, got %q", unresolved.ParentChecksum)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillParentChecksum).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	database, err := OpenSQLite(filepath.Join(t.TempDir(), "once.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	first := legacyVersion("record-1", 1, "checksum-v1")
	head := legacyRecord("record-1", 2)
	mustInsert(t, database, &first, &head)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		t.Fatalf("failed to reapply migrations: %v", err)
	}

	var stored records.Record
	_ = database.Where("record_id = ?", head.RecordID).Take(&stored).Error
	if stored.ParentChecksum != "" {
		t.Fatalf("expected recorded migrations to be skipped, got %q", stored.ParentChecksum)
	}
}
