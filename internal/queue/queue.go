package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OperationType enumerates the mutations carried by a queued operation.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

var (
	// ErrOperationNotFound indicates that no queued operation matches the identifier.
	ErrOperationNotFound = errors.New("queue: operation not found")
	// ErrClearNotConfirmed indicates that a destructive clear lacked a matching confirmation.
	ErrClearNotConfirmed = errors.New("queue: clear requires explicit confirmation")
	// ErrInvalidOperation indicates that an operation is missing required fields.
	ErrInvalidOperation = errors.New("queue: invalid operation")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opEnqueue     = "queue.enqueue"
	opDrain       = "queue.drain"
	opAcknowledge = "queue.acknowledge"
	opMarkFailed  = "queue.mark_failed"
	opClear       = "queue.clear"
	opStats       = "queue.stats"
)

// Operation is a durable, not-yet-acknowledged mutation awaiting transmission. It carries
// the full snapshot of the version it announces.
type Operation struct {
	Seq                 int64         `gorm:"column:seq;primaryKey;autoIncrement"`
	OperationID         string        `gorm:"column:operation_id;size:190;not null;uniqueIndex"`
	RecordID            string        `gorm:"column:record_id;size:190;not null;index"`
	OwnerID             string        `gorm:"column:owner_id;size:190;not null;index"`
	Type                OperationType `gorm:"column:op;size:16;not null"`
	Version             int64         `gorm:"column:version;not null"`
	ParentVersion       int64         `gorm:"column:parent_version;not null"`
	ParentChecksum      string        `gorm:"column:parent_checksum;size:64;not null;default:''"`
	PayloadJSON         string        `gorm:"column:payload_json;type:text;not null"`
	Checksum            string        `gorm:"column:checksum;size:64;not null"`
	IsDeleted           bool          `gorm:"column:is_deleted;not null"`
	DeletedAtMillis     *int64        `gorm:"column:deleted_at_ms"`
	CreatedAtMillis     int64         `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis     int64         `gorm:"column:updated_at_ms;not null"`
	OriginDeviceID      string        `gorm:"column:origin_device_id;size:190;not null"`
	WriterDeviceID      string        `gorm:"column:writer_device_id;size:190;not null"`
	EnqueuedAtMillis    int64         `gorm:"column:enqueued_at_ms;not null"`
	RetryCount          int           `gorm:"column:retry_count;not null"`
	LastAttemptAtMillis *int64        `gorm:"column:last_attempt_at_ms"`
	NextAttemptAtMillis int64         `gorm:"column:next_attempt_at_ms;not null"`
	LastError           string        `gorm:"column:last_error;type:text;not null"`
	Parked              bool          `gorm:"column:parked;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "sync_operations"
}

// Config describes the dependencies of a Queue.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Backoff  BackoffPolicy
	Logger   *zap.Logger
}

// Queue is the durable FIFO of pending operations. Delivery is at-least-once.
type Queue struct {
	db      *gorm.DB
	clock   func() time.Time
	backoff BackoffPolicy
	logger  *zap.Logger
}

// ServiceError carries a stable operation.reason code alongside the cause.
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// NewQueue validates the configuration and returns a Queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newServiceError("queue.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		db:      cfg.Database,
		clock:   clock,
		backoff: cfg.Backoff.normalized(),
		logger:  logger,
	}, nil
}

// ClearConfirmation is the explicit acknowledgement required to discard unsent work.
// ExpectedCount must equal the number of operations the user was shown.
type ClearConfirmation struct {
	Confirmed     bool
	ExpectedCount int64
}

// Stats summarises the queue for the diagnostic surface.
type Stats struct {
	Queued   int64 `json:"queued"`
	Retrying int64 `json:"retrying"`
	Parked   int64 `json:"parked"`
}

// Enqueue appends an operation in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, operation Operation) (Operation, error) {
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return q.EnqueueTx(tx, &operation)
	})
	if err != nil {
		return Operation{}, err
	}
	return operation, nil
}

// EnqueueTx appends an operation inside the caller's transaction so the mutation and its
// outbound operation commit together.
func (q *Queue) EnqueueTx(tx *gorm.DB, operation *Operation) error {
	if operation.RecordID == "" || operation.OwnerID == "" || operation.Version < 1 {
		return newServiceError(opEnqueue, "invalid_operation", ErrInvalidOperation)
	}
	switch operation.Type {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return newServiceError(opEnqueue, "invalid_operation", fmt.Errorf("%w: type %q", ErrInvalidOperation, operation.Type))
	}
	if operation.OperationID == "" {
		value, err := uuid.NewV7()
		if err != nil {
			return newServiceError(opEnqueue, "id_generation_failed", err)
		}
		operation.OperationID = value.String()
	}
	now := q.clock().UTC().UnixMilli()
	operation.Seq = 0
	operation.EnqueuedAtMillis = now
	operation.NextAttemptAtMillis = now
	operation.RetryCount = 0
	operation.LastAttemptAtMillis = nil
	operation.LastError = ""
	if err := tx.Create(operation).Error; err != nil {
		q.logError(opEnqueue, "insert_failed", err, zap.String("record_id", operation.RecordID))
		return newServiceError(opEnqueue, "insert_failed", err)
	}
	return nil
}

// Drain returns up to limit ready operations in insertion order without removing them.
// An operation is withheld while an earlier operation for the same record is backing
// off or parked, so per-record order is preserved.
func (q *Queue) Drain(ctx context.Context, ownerID string, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	var queued []Operation
	if err := q.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("seq ASC").
		Find(&queued).Error; err != nil {
		q.logError(opDrain, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, newServiceError(opDrain, "query_failed", err)
	}

	now := q.clock().UTC().UnixMilli()
	blocked := make(map[string]struct{})
	ready := make([]Operation, 0, limit)
	for _, operation := range queued {
		if _, ok := blocked[operation.RecordID]; ok {
			continue
		}
		if operation.Parked || operation.NextAttemptAtMillis > now {
			blocked[operation.RecordID] = struct{}{}
			continue
		}
		ready = append(ready, operation)
		if len(ready) == limit {
			break
		}
	}
	return ready, nil
}

// Acknowledge removes an operation after confirmed delivery.
func (q *Queue) Acknowledge(ctx context.Context, operationID string) error {
	result := q.db.WithContext(ctx).Where("operation_id = ?", operationID).Delete(&Operation{})
	if result.Error != nil {
		q.logError(opAcknowledge, "delete_failed", result.Error, zap.String("operation_id", operationID))
		return newServiceError(opAcknowledge, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opAcknowledge, "not_found", ErrOperationNotFound)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one per the backoff policy.
// The operation stays queued.
func (q *Queue) MarkFailed(ctx context.Context, operationID string, cause error) (Operation, error) {
	var operation Operation
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("operation_id = ?", operationID).Take(&operation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opMarkFailed, "not_found", ErrOperationNotFound)
			}
			return newServiceError(opMarkFailed, "select_failed", err)
		}
		now := q.clock().UTC()
		attemptedAt := now.UnixMilli()
		operation.RetryCount++
		operation.LastAttemptAtMillis = &attemptedAt
		operation.NextAttemptAtMillis = now.Add(q.backoff.Delay(operation.RetryCount)).UnixMilli()
		operation.LastError = ""
		if cause != nil {
			operation.LastError = cause.Error()
		}
		if err := tx.Save(&operation).Error; err != nil {
			return newServiceError(opMarkFailed, "save_failed", err)
		}
		return nil
	})
	if err != nil {
		q.logError(opMarkFailed, "mark_failed", err, zap.String("operation_id", operationID))
		return Operation{}, err
	}
	return operation, nil
}

// ParkTx withholds every queued operation of a record until the record's conflict is resolved.
func (q *Queue) ParkTx(tx *gorm.DB, recordID string) error {
	return tx.Model(&Operation{}).Where("record_id = ?", recordID).Update("parked", true).Error
}

// SupersedeTx removes the queued operations of a record whose conflict has been resolved.
// It returns the identifiers removed so the resolution can record them.
func (q *Queue) SupersedeTx(tx *gorm.DB, recordID string) ([]string, error) {
	var superseded []Operation
	if err := tx.Where("record_id = ?", recordID).Order("seq ASC").Find(&superseded).Error; err != nil {
		return nil, err
	}
	if len(superseded) == 0 {
		return nil, nil
	}
	identifiers := make([]string, 0, len(superseded))
	for _, operation := range superseded {
		identifiers = append(identifiers, operation.OperationID)
	}
	if err := tx.Where("record_id = ?", recordID).Delete(&Operation{}).Error; err != nil {
		return nil, err
	}
	return identifiers, nil
}

// RemoveRecordTx drops every queued operation of a purged record.
func (q *Queue) RemoveRecordTx(tx *gorm.DB, recordID string) error {
	return tx.Where("record_id = ?", recordID).Delete(&Operation{}).Error
}

// List returns every queued operation of the owner in insertion order.
func (q *Queue) List(ctx context.Context, ownerID string) ([]Operation, error) {
	var queued []Operation
	if err := q.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("seq ASC").Find(&queued).Error; err != nil {
		return nil, newServiceError(opStats, "query_failed", err)
	}
	return queued, nil
}

// ListRecord returns the queued operations of one record in insertion order.
func (q *Queue) ListRecord(ctx context.Context, recordID string) ([]Operation, error) {
	var queued []Operation
	if err := q.db.WithContext(ctx).Where("record_id = ?", recordID).Order("seq ASC").Find(&queued).Error; err != nil {
		return nil, newServiceError(opStats, "query_failed", err)
	}
	return queued, nil
}

// Stats counts queued, retrying and parked operations for the owner.
func (q *Queue) Stats(ctx context.Context, ownerID string) (Stats, error) {
	var stats Stats
	base := q.db.WithContext(ctx).Model(&Operation{}).Where("owner_id = ?", ownerID)
	if err := base.Session(&gorm.Session{}).Count(&stats.Queued).Error; err != nil {
		return Stats{}, newServiceError(opStats, "count_failed", err)
	}
	if err := base.Session(&gorm.Session{}).Where("retry_count > 0").Count(&stats.Retrying).Error; err != nil {
		return Stats{}, newServiceError(opStats, "count_failed", err)
	}
	if err := base.Session(&gorm.Session{}).Where("parked = ?", true).Count(&stats.Parked).Error; err != nil {
		return Stats{}, newServiceError(opStats, "count_failed", err)
	}
	return stats, nil
}

// ClearQueue discards every unacknowledged operation of the owner. It is destructive and
// refuses to run unless the confirmation matches the current queue length.
func (q *Queue) ClearQueue(ctx context.Context, ownerID string, confirmation ClearConfirmation) (int64, error) {
	if !confirmation.Confirmed {
		return 0, newServiceError(opClear, "not_confirmed", ErrClearNotConfirmed)
	}
	var cleared int64
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		if err := tx.Model(&Operation{}).Where("owner_id = ?", ownerID).Count(&current).Error; err != nil {
			return newServiceError(opClear, "count_failed", err)
		}
		if current != confirmation.ExpectedCount {
			return newServiceError(opClear, "count_mismatch",
				fmt.Errorf("%w: expected %d operations, queue holds %d", ErrClearNotConfirmed, confirmation.ExpectedCount, current))
		}
		result := tx.Where("owner_id = ?", ownerID).Delete(&Operation{})
		if result.Error != nil {
			return newServiceError(opClear, "delete_failed", result.Error)
		}
		cleared = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	q.logger.Warn("pending operation queue cleared",
		zap.String("owner_id", ownerID),
		zap.Int64("operations", cleared))
	return cleared, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("queue error", attrs...)
}
