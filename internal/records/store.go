package records

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
)

var noOpLogger = zap.NewNop()

const (
	opStoreNew       = "records.store.new"
	opCreate         = "records.create"
	opUpdate         = "records.update"
	opSoftDelete     = "records.soft_delete"
	opRestore        = "records.restore"
	opGet            = "records.get"
	opList           = "records.list"
	opVerify         = "records.verify_integrity"
	opHistory        = "records.history"
	opAuditTrail     = "records.audit_trail"
	opChangedSince   = "records.changed_since"
	opMarkSynced     = "records.mark_synced"
	opMarkSyncFailed = "records.mark_sync_failed"
	opMarkConflict   = "records.mark_conflict"
	opPurge          = "records.purge"
)

// OperationSink receives the outbound operation of every local mutation inside the
// mutation's transaction. Relay stores run without one.
type OperationSink interface {
	EnqueueTx(tx *gorm.DB, operation *queue.Operation) error
	ParkTx(tx *gorm.DB, recordID string) error
	SupersedeTx(tx *gorm.DB, recordID string) ([]string, error)
	RemoveRecordTx(tx *gorm.DB, recordID string) error
}

// PurgeGuard reports whether every known device of the owner has acknowledged the
// change cursor through seq.
type PurgeGuard interface {
	ConfirmedThrough(ctx context.Context, ownerID string, seq int64) (bool, error)
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	DeviceID   DeviceID
	Queue      OperationSink
	PurgeGuard PurgeGuard
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the single authoritative writer of records. Every mutation bumps the version,
// recomputes the checksum, appends one audit entry and enqueues one outbound operation.
type Store struct {
	db         *gorm.DB
	deviceID   DeviceID
	queue      OperationSink
	purgeGuard PurgeGuard
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	locks      *recordLocks
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.DeviceID == "" {
		return nil, newServiceError(opStoreNew, "missing_device_id", errMissingDeviceID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		deviceID:   cfg.DeviceID,
		queue:      cfg.Queue,
		purgeGuard: cfg.PurgeGuard,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      newRecordLocks(),
	}, nil
}

// DeviceID returns the identifier this store stamps on local writes.
func (s *Store) DeviceID() DeviceID {
	return s.deviceID
}

// PurgeOptions controls hard removal.
type PurgeOptions struct {
	// Administrative bypasses the synced and device-confirmation checks.
	Administrative bool
}

type mutation struct {
	before   *Record
	after    *Record
	created  bool
	action   AuditAction
	actor    string
	device   string
	diffs    []FieldDiff
	metadata map[string]string
	enqueue  queue.OperationType
	parked   bool
}

// Create stores a new record at version 1 with status pending.
func (s *Store) Create(ctx context.Context, ownerID UserID, actorID ActorID, payload Payload) (Record, error) {
	if _, err := NewUserID(ownerID.String()); err != nil {
		return Record{}, err
	}
	if _, err := NewActorID(actorID.String()); err != nil {
		return Record{}, err
	}
	if err := payload.Validate(); err != nil {
		return Record{}, err
	}
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Record{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	unlock := s.locks.Lock(recordID)
	defer unlock()

	now := s.clock().UTC().UnixMilli()
	record := Record{
		RecordID:         recordID,
		OwnerID:          ownerID.String(),
		Kind:             payload.Kind,
		Version:          1,
		ParentVersion:    0,
		SyncStatus:       SyncStatusPending,
		CreatedAtMillis:  now,
		UpdatedAtMillis:  now,
		OriginDeviceID:   s.deviceID.String(),
		LastWriterDevice: s.deviceID.String(),
	}
	if err := setContent(&record, payload); err != nil {
		return Record{}, newServiceError(opCreate, "encode_failed", err)
	}
	diffs, err := DiffPayloads(nil, &payload)
	if err != nil {
		return Record{}, newServiceError(opCreate, "diff_failed", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.persist(tx, mutation{
			after:   &record,
			created: true,
			action:  AuditActionCreate,
			actor:   actorID.String(),
			device:  s.deviceID.String(),
			diffs:   diffs,
			enqueue: queue.OperationCreate,
		})
	})
	if err != nil {
		s.logError(opCreate, "persist_failed", err, zap.String("record_id", recordID))
		return Record{}, newServiceError(opCreate, "persist_failed", err)
	}
	return record, nil
}

// Update applies a patch to an active record.
func (s *Store) Update(ctx context.Context, recordID RecordID, actorID ActorID, patch Patch) (Record, error) {
	if _, err := NewActorID(actorID.String()); err != nil {
		return Record{}, err
	}
	return s.mutate(ctx, opUpdate, recordID, func(existing Record) (mutation, error) {
		if existing.IsDeleted {
			return mutation{}, newServiceError(opUpdate, "record_deleted", ErrInvalidState)
		}
		before, err := existing.DecodePayload()
		if err != nil {
			return mutation{}, err
		}
		next, err := patch.Apply(before)
		if err != nil {
			return mutation{}, err
		}
		diffs, err := DiffPayloads(&before, &next)
		if err != nil {
			return mutation{}, newServiceError(opUpdate, "diff_failed", err)
		}
		after := s.nextLocalVersion(existing)
		if err := setContent(&after, next); err != nil {
			return mutation{}, newServiceError(opUpdate, "encode_failed", err)
		}
		return mutation{
			before:  &existing,
			after:   &after,
			action:  AuditActionUpdate,
			actor:   actorID.String(),
			device:  s.deviceID.String(),
			diffs:   diffs,
			enqueue: queue.OperationUpdate,
			parked:  existing.SyncStatus == SyncStatusConflict,
		}, nil
	})
}

// SoftDelete marks a record deleted. The payload is retained for audit and conflict handling.
func (s *Store) SoftDelete(ctx context.Context, recordID RecordID, actorID ActorID) (Record, error) {
	if _, err := NewActorID(actorID.String()); err != nil {
		return Record{}, err
	}
	return s.mutate(ctx, opSoftDelete, recordID, func(existing Record) (mutation, error) {
		if existing.IsDeleted {
			return mutation{}, newServiceError(opSoftDelete, "already_deleted", ErrInvalidState)
		}
		payload, err := existing.DecodePayload()
		if err != nil {
			return mutation{}, err
		}
		after := s.nextLocalVersion(existing)
		deletedAt := after.UpdatedAtMillis
		after.IsDeleted = true
		after.DeletedAtMillis = &deletedAt
		if err := setContent(&after, payload); err != nil {
			return mutation{}, newServiceError(opSoftDelete, "encode_failed", err)
		}
		return mutation{
			before:  &existing,
			after:   &after,
			action:  AuditActionDelete,
			actor:   actorID.String(),
			device:  s.deviceID.String(),
			diffs:   []FieldDiff{deletionDiff(false, true)},
			enqueue: queue.OperationDelete,
			parked:  existing.SyncStatus == SyncStatusConflict,
		}, nil
	})
}

// Restore resurrects a soft-deleted record at a new version.
func (s *Store) Restore(ctx context.Context, recordID RecordID, actorID ActorID) (Record, error) {
	if _, err := NewActorID(actorID.String()); err != nil {
		return Record{}, err
	}
	return s.mutate(ctx, opRestore, recordID, func(existing Record) (mutation, error) {
		if !existing.IsDeleted {
			return mutation{}, newServiceError(opRestore, "not_deleted", ErrInvalidState)
		}
		payload, err := existing.DecodePayload()
		if err != nil {
			return mutation{}, err
		}
		after := s.nextLocalVersion(existing)
		after.IsDeleted = false
		after.DeletedAtMillis = nil
		if err := setContent(&after, payload); err != nil {
			return mutation{}, newServiceError(opRestore, "encode_failed", err)
		}
		return mutation{
			before:  &existing,
			after:   &after,
			action:  AuditActionRestore,
			actor:   actorID.String(),
			device:  s.deviceID.String(),
			diffs:   []FieldDiff{deletionDiff(true, false)},
			enqueue: queue.OperationUpdate,
			parked:  existing.SyncStatus == SyncStatusConflict,
		}, nil
	})
}

// mutate runs a local read-modify-write under the record's writer lock. The stored
// record is verified first so a corrupted payload is never carried into a new version.
func (s *Store) mutate(ctx context.Context, operation string, recordID RecordID, build func(existing Record) (mutation, error)) (Record, error) {
	if _, err := NewRecordID(recordID.String()); err != nil {
		return Record{}, err
	}
	unlock := s.locks.Lock(recordID.String())
	defer unlock()

	var result Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadRecord(tx, recordID.String())
		if err != nil {
			return err
		}
		if err := verifyRecord(existing); err != nil {
			return err
		}
		change, err := build(existing)
		if err != nil {
			return err
		}
		if err := s.persist(tx, change); err != nil {
			return newServiceError(operation, "persist_failed", err)
		}
		result = *change.after
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			s.logger.Warn("refusing to mutate corrupted record",
				zap.String("operation", operation),
				zap.String("record_id", recordID.String()),
				zap.Error(err))
			return Record{}, err
		}
		if !isDomainError(err) {
			s.logError(operation, "mutation_failed", err, zap.String("record_id", recordID.String()))
		}
		return Record{}, wrapLookup(operation, err)
	}
	return result, nil
}

func (s *Store) nextLocalVersion(existing Record) Record {
	next := existing
	next.ParentVersion = existing.Version
	next.ParentChecksum = existing.Checksum
	next.Version = existing.Version + 1
	next.UpdatedAtMillis = s.clock().UTC().UnixMilli()
	next.LastWriterDevice = s.deviceID.String()
	if existing.SyncStatus != SyncStatusConflict {
		next.SyncStatus = SyncStatusPending
	}
	return next
}

// persist writes one audit entry, the head row, the version row and the operation.
func (s *Store) persist(tx *gorm.DB, change mutation) error {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	diffs := change.diffs
	if diffs == nil {
		diffs = []FieldDiff{}
	}
	diffsJSON, err := json.Marshal(diffs)
	if err != nil {
		return err
	}
	metadata := change.metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	after := change.after
	var fromVersion int64
	if change.before != nil {
		fromVersion = change.before.Version
	}
	entry := AuditEntry{
		EntryID:         entryID,
		RecordID:        after.RecordID,
		OwnerID:         after.OwnerID,
		Action:          change.action,
		TimestampMillis: s.clock().UTC().UnixMilli(),
		ActorID:         change.actor,
		DeviceID:        change.device,
		FromVersion:     fromVersion,
		ToVersion:       after.Version,
		FieldDiffsJSON:  string(diffsJSON),
		MetadataJSON:    string(metadataJSON),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}
	after.LastChangeSeq = entry.Seq

	if change.created {
		if err := tx.Create(after).Error; err != nil {
			return err
		}
	} else if err := tx.Save(after).Error; err != nil {
		return err
	}

	if err := tx.Create(&RecordVersion{
		RecordID:         after.RecordID,
		Version:          after.Version,
		ParentVersion:    after.ParentVersion,
		ParentChecksum:   after.ParentChecksum,
		PayloadJSON:      after.PayloadJSON,
		Checksum:         after.Checksum,
		IsDeleted:        after.IsDeleted,
		UpdatedAtMillis:  after.UpdatedAtMillis,
		WriterDevice:     after.LastWriterDevice,
		RecordedAtMillis: entry.TimestampMillis,
	}).Error; err != nil {
		return err
	}

	if change.enqueue == "" || s.queue == nil {
		return nil
	}
	operation := operationFor(*after, change.enqueue)
	operation.Parked = change.parked
	return s.queue.EnqueueTx(tx, &operation)
}

// Get returns a verified record. A checksum mismatch is returned as *IntegrityError.
func (s *Store) Get(ctx context.Context, recordID RecordID) (Record, error) {
	record, err := loadRecord(s.db.WithContext(ctx), recordID.String())
	if err != nil {
		return Record{}, wrapLookup(opGet, err)
	}
	if err := verifyRecord(record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Lookup returns the stored record without verifying it, for diagnostics and conflict inspection.
func (s *Store) Lookup(ctx context.Context, recordID RecordID) (Record, error) {
	record, err := loadRecord(s.db.WithContext(ctx), recordID.String())
	if err != nil {
		return Record{}, wrapLookup(opGet, err)
	}
	return record, nil
}

// GetActive returns the owner's records that are not soft-deleted, most recently updated first.
func (s *Store) GetActive(ctx context.Context, ownerID UserID) ([]Record, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("owner_id = ? AND is_deleted = ?", ownerID.String(), false))
}

// GetAll returns every record of the owner including soft-deleted ones.
func (s *Store) GetAll(ctx context.Context, ownerID UserID) ([]Record, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("owner_id = ?", ownerID.String()))
}

func (s *Store) list(_ context.Context, query *gorm.DB) ([]Record, error) {
	var stored []Record
	if err := query.Order("updated_at_ms DESC").Order("record_id ASC").Find(&stored).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return stored, nil
}

// VerifyIntegrity recomputes the checksum of the stored payload. A mismatch is reported,
// never corrected, and the sync status is left untouched.
func (s *Store) VerifyIntegrity(ctx context.Context, recordID RecordID) (bool, error) {
	record, err := loadRecord(s.db.WithContext(ctx), recordID.String())
	if err != nil {
		return false, wrapLookup(opVerify, err)
	}
	if err := verifyRecord(record); err != nil {
		s.logger.Warn("integrity check failed",
			zap.String("record_id", record.RecordID),
			zap.String("sync_status", string(record.SyncStatus)),
			zap.Error(err))
		return false, nil
	}
	return true, nil
}

// ScanIntegrity verifies every record of the owner and returns the ids that fail.
func (s *Store) ScanIntegrity(ctx context.Context, ownerID UserID) ([]string, error) {
	stored, err := s.GetAll(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	failing := make([]string, 0)
	for _, record := range stored {
		if verifyRecord(record) != nil {
			failing = append(failing, record.RecordID)
		}
	}
	return failing, nil
}

// History returns every retained version of a record, oldest first.
func (s *Store) History(ctx context.Context, recordID RecordID) ([]RecordVersion, error) {
	var versions []RecordVersion
	if err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID.String()).
		Order("version ASC").
		Find(&versions).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("record_id", recordID.String()))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	if len(versions) == 0 {
		return nil, newServiceError(opHistory, "not_found", ErrNotFound)
	}
	return versions, nil
}

// AuditTrail returns the record's audit entries in append order.
func (s *Store) AuditTrail(ctx context.Context, recordID RecordID) ([]AuditEntry, error) {
	var entries []AuditEntry
	if err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID.String()).
		Order("seq ASC").
		Find(&entries).Error; err != nil {
		s.logError(opAuditTrail, "query_failed", err, zap.String("record_id", recordID.String()))
		return nil, newServiceError(opAuditTrail, "query_failed", err)
	}
	return entries, nil
}

// ChangedSince returns the owner's records that are not synced or that changed after cursor,
// in change order.
func (s *Store) ChangedSince(ctx context.Context, ownerID UserID, cursor int64) ([]Record, error) {
	var stored []Record
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND (last_change_seq > ? OR sync_status <> ?)", ownerID.String(), cursor, SyncStatusSynced).
		Order("last_change_seq ASC").
		Find(&stored).Error; err != nil {
		s.logError(opChangedSince, "query_failed", err, zap.String("user_id", ownerID.String()))
		return nil, newServiceError(opChangedSince, "query_failed", err)
	}
	return stored, nil
}

// Cursor returns the owner's latest change sequence.
func (s *Store) Cursor(ctx context.Context, ownerID UserID) (int64, error) {
	var cursor int64
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("owner_id = ?", ownerID.String()).
		Select("COALESCE(MAX(last_change_seq), 0)").
		Scan(&cursor).Error; err != nil {
		return 0, newServiceError(opChangedSince, "cursor_failed", err)
	}
	return cursor, nil
}

// MarkSynced records delivery of version. A newer local version or an open conflict keeps its status.
func (s *Store) MarkSynced(ctx context.Context, recordID RecordID, version int64) error {
	return s.setStatus(ctx, opMarkSynced, recordID, func(tx *gorm.DB, record *Record) (bool, error) {
		if record.Version != version || record.SyncStatus == SyncStatusConflict {
			return false, nil
		}
		syncedAt := s.clock().UTC().UnixMilli()
		record.SyncStatus = SyncStatusSynced
		record.LastSyncAtMillis = &syncedAt
		return true, nil
	})
}

// MarkSyncFailed flags a pending record whose transmission failed.
func (s *Store) MarkSyncFailed(ctx context.Context, recordID RecordID) error {
	return s.setStatus(ctx, opMarkSyncFailed, recordID, func(tx *gorm.DB, record *Record) (bool, error) {
		if record.SyncStatus != SyncStatusPending {
			return false, nil
		}
		record.SyncStatus = SyncStatusFailed
		return true, nil
	})
}

// MarkConflict flags a record as diverged and parks its queued operations until resolution.
func (s *Store) MarkConflict(ctx context.Context, recordID RecordID) error {
	return s.setStatus(ctx, opMarkConflict, recordID, func(tx *gorm.DB, record *Record) (bool, error) {
		if s.queue != nil {
			if err := s.queue.ParkTx(tx, record.RecordID); err != nil {
				return false, err
			}
		}
		if record.SyncStatus == SyncStatusConflict {
			return false, nil
		}
		record.SyncStatus = SyncStatusConflict
		return true, nil
	})
}

func (s *Store) setStatus(ctx context.Context, operation string, recordID RecordID, apply func(tx *gorm.DB, record *Record) (bool, error)) error {
	unlock := s.locks.Lock(recordID.String())
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := loadRecord(tx, recordID.String())
		if err != nil {
			return err
		}
		changed, err := apply(tx, &record)
		if err != nil || !changed {
			return err
		}
		return tx.Model(&Record{}).
			Where("record_id = ?", record.RecordID).
			Updates(map[string]any{
				"sync_status":     record.SyncStatus,
				"last_sync_at_ms": record.LastSyncAtMillis,
			}).Error
	})
	if err != nil {
		if !isDomainError(err) {
			s.logError(operation, "status_update_failed", err, zap.String("record_id", recordID.String()))
		}
		return wrapLookup(operation, err)
	}
	return nil
}

// Purge hard-removes a soft-deleted record with its versions, audit entries and queued
// operations. Unless administrative, the record must be synced and confirmed by every
// known device of its owner.
func (s *Store) Purge(ctx context.Context, recordID RecordID, options PurgeOptions) error {
	unlock := s.locks.Lock(recordID.String())
	defer unlock()

	record, err := loadRecord(s.db.WithContext(ctx), recordID.String())
	if err != nil {
		return wrapLookup(opPurge, err)
	}
	if !record.IsDeleted {
		return newServiceError(opPurge, "not_deleted", ErrInvalidState)
	}
	if !options.Administrative {
		if record.SyncStatus != SyncStatusSynced {
			return newServiceError(opPurge, "not_synced", ErrPurgeUnconfirmed)
		}
		if s.purgeGuard != nil {
			confirmed, err := s.purgeGuard.ConfirmedThrough(ctx, record.OwnerID, record.LastChangeSeq)
			if err != nil {
				s.logError(opPurge, "guard_failed", err, zap.String("record_id", record.RecordID))
				return newServiceError(opPurge, "guard_failed", err)
			}
			if !confirmed {
				return newServiceError(opPurge, "devices_unconfirmed", ErrPurgeUnconfirmed)
			}
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.queue != nil {
			if err := s.queue.RemoveRecordTx(tx, record.RecordID); err != nil {
				return err
			}
		}
		if err := tx.Where("record_id = ?", record.RecordID).Delete(&RecordVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("record_id = ?", record.RecordID).Delete(&AuditEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("record_id = ?", record.RecordID).Delete(&Record{}).Error
	})
	if err != nil {
		if !isDomainError(err) {
			s.logError(opPurge, "purge_failed", err, zap.String("record_id", recordID.String()))
		}
		return wrapLookup(opPurge, err)
	}
	s.logger.Warn("record purged",
		zap.String("record_id", recordID.String()),
		zap.String("user_id", record.OwnerID),
		zap.Bool("administrative", options.Administrative))
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("device_id", s.deviceID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("record store error", attrs...)
}

func loadRecord(db *gorm.DB, recordID string) (Record, error) {
	var record Record
	if err := db.Where("record_id = ?", recordID).Take(&record).Error; err != nil {
		return Record{}, err
	}
	return record, nil
}

// setContent encodes the payload and recomputes the checksum for the record's current timestamp.
func setContent(record *Record, payload Payload) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}
	checksum, err := ComputeChecksum(record.RecordID, payload, record.UpdatedAtMillis)
	if err != nil {
		return err
	}
	record.Kind = payload.Kind
	record.PayloadJSON = encoded
	record.Checksum = checksum
	return nil
}

func operationFor(record Record, operationType queue.OperationType) queue.Operation {
	return queue.Operation{
		RecordID:        record.RecordID,
		OwnerID:         record.OwnerID,
		Type:            operationType,
		Version:         record.Version,
		ParentVersion:   record.ParentVersion,
		ParentChecksum:  record.ParentChecksum,
		PayloadJSON:     record.PayloadJSON,
		Checksum:        record.Checksum,
		IsDeleted:       record.IsDeleted,
		DeletedAtMillis: record.DeletedAtMillis,
		CreatedAtMillis: record.CreatedAtMillis,
		UpdatedAtMillis: record.UpdatedAtMillis,
		OriginDeviceID:  record.OriginDeviceID,
		WriterDeviceID:  record.LastWriterDevice,
	}
}

// SnapshotFromOperation rebuilds the announced snapshot carried by a queued operation.
func SnapshotFromOperation(operation queue.Operation) (Snapshot, error) {
	payload, err := decodePayload(operation.PayloadJSON)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		RecordID:         operation.RecordID,
		OwnerID:          operation.OwnerID,
		Version:          operation.Version,
		ParentVersion:    operation.ParentVersion,
		ParentChecksum:   operation.ParentChecksum,
		Payload:          payload,
		Checksum:         operation.Checksum,
		IsDeleted:        operation.IsDeleted,
		DeletedAtMillis:  operation.DeletedAtMillis,
		CreatedAtMillis:  operation.CreatedAtMillis,
		UpdatedAtMillis:  operation.UpdatedAtMillis,
		OriginDeviceID:   operation.OriginDeviceID,
		LastWriterDevice: operation.WriterDeviceID,
	}, nil
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, gorm.ErrRecordNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrPurgeUnconfirmed) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidPatch) ||
		errors.Is(err, ErrInvalidSnapshot)
}

// wrapLookup converts a missing row into ErrNotFound and leaves already-coded errors alone.
func wrapLookup(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, "not_found", ErrNotFound)
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) || isDomainError(err) {
		return err
	}
	return newServiceError(operation, "storage_failed", err)
}
