package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/conflicts"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

const (
	defaultBatchSize       = 50
	defaultInterval        = 5 * time.Second
	defaultTransmitTimeout = 10 * time.Second

	opSyncOnce      = "syncer.sync_once"
	opHandleRemote  = "syncer.handle_remote"
	opRaiseConflict = "syncer.raise_conflict"
)

var (
	errMissingStore     = errors.New("record store is required")
	errMissingQueue     = errors.New("operation queue is required")
	errMissingRegistry  = errors.New("conflict registry is required")
	errMissingResolver  = errors.New("conflict resolver is required")
	errMissingTransport = errors.New("transport is required")
	errMissingOwner     = errors.New("owner identifier is required")
	noOpLogger          = zap.NewNop()
)

// RecordState is the per-record position in the sync state machine.
type RecordState string

const (
	StateLocalOnly RecordState = "local_only"
	StatePending   RecordState = "pending"
	StateInFlight  RecordState = "in_flight"
	StateSynced    RecordState = "synced"
	StateFailed    RecordState = "failed"
	StateConflict  RecordState = "conflict"
)

// Config describes the dependencies of a Coordinator.
type Config struct {
	Store           *records.Store
	Queue           *queue.Queue
	Registry        *conflicts.Registry
	Resolver        *conflicts.Resolver
	Transport       Transport
	OwnerID         records.UserID
	BatchSize       int
	Interval        time.Duration
	TransmitTimeout time.Duration
	Logger          *zap.Logger
}

// Coordinator drives one user session: it drains the queue over the transport and applies
// changes pushed by peers.
type Coordinator struct {
	store           *records.Store
	queue           *queue.Queue
	registry        *conflicts.Registry
	resolver        *conflicts.Resolver
	transport       Transport
	ownerID         records.UserID
	batchSize       int
	interval        time.Duration
	transmitTimeout time.Duration
	logger          *zap.Logger

	syncMu   sync.Mutex
	stateMu  sync.RWMutex
	inFlight map[string]int64
	notify   chan struct{}
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.Registry == nil:
		return nil, errMissingRegistry
	case cfg.Resolver == nil:
		return nil, errMissingResolver
	case cfg.Transport == nil:
		return nil, errMissingTransport
	case cfg.OwnerID == "":
		return nil, errMissingOwner
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	transmitTimeout := cfg.TransmitTimeout
	if transmitTimeout <= 0 {
		transmitTimeout = defaultTransmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:           cfg.Store,
		queue:           cfg.Queue,
		registry:        cfg.Registry,
		resolver:        cfg.Resolver,
		transport:       cfg.Transport,
		ownerID:         cfg.OwnerID,
		batchSize:       batchSize,
		interval:        interval,
		transmitTimeout: transmitTimeout,
		logger:          logger,
		inFlight:        make(map[string]int64),
		notify:          make(chan struct{}, 1),
	}, nil
}

// Report summarises one outbound pass.
type Report struct {
	Attempted    int `json:"attempted"`
	Acknowledged int `json:"acknowledged"`
	Failed       int `json:"failed"`
	Conflicts    int `json:"conflicts"`
	Rejected     int `json:"rejected"`
}

// Notify requests an outbound pass without waiting for the next tick.
func (c *Coordinator) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Connected is called by the channel after every (re)connect so queued work resumes.
func (c *Coordinator) Connected() {
	c.Notify()
}

// Run drains the queue on every tick and notification until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("outbound sync pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.notify:
		}
	}
}

// SyncOnce transmits one batch of ready operations. Each transmission gets its own bounded
// timeout; a timeout is a failure, never a success. After a failure or conflict the rest of
// that record's operations wait for a later pass.
func (c *Coordinator) SyncOnce(ctx context.Context) (Report, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	var report Report
	batch, err := c.queue.Drain(ctx, c.ownerID.String(), c.batchSize)
	if err != nil {
		return report, err
	}
	// Bookkeeping must land even when the pass is cancelled mid-flight.
	bookkeeping := context.WithoutCancel(ctx)
	blocked := make(map[string]struct{})
	for _, operation := range batch {
		if ctx.Err() != nil {
			break
		}
		if _, ok := blocked[operation.RecordID]; ok {
			continue
		}
		report.Attempted++

		snapshot, err := records.SnapshotFromOperation(operation)
		if err != nil {
			blocked[operation.RecordID] = struct{}{}
			c.fail(bookkeeping, operation, fmt.Errorf("decode queued operation: %w", err))
			report.Failed++
			continue
		}

		c.setInFlight(operation.RecordID, operation.Version)
		transmitCtx, cancel := context.WithTimeout(ctx, c.transmitTimeout)
		ack, err := c.transport.Transmit(transmitCtx, Change{
			OperationID: operation.OperationID,
			Type:        operation.Type,
			Snapshot:    snapshot,
		})
		cancel()
		c.clearInFlight(operation.RecordID)

		if err != nil {
			blocked[operation.RecordID] = struct{}{}
			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				err = &TransportError{Operation: "transmit", Err: err}
			}
			c.fail(bookkeeping, operation, err)
			report.Failed++
			continue
		}

		if ack.Accepted {
			if err := c.queue.Acknowledge(bookkeeping, operation.OperationID); err != nil && !errors.Is(err, queue.ErrOperationNotFound) {
				return report, err
			}
			if err := c.store.MarkSynced(bookkeeping, records.RecordID(operation.RecordID), operation.Version); err != nil && !errors.Is(err, records.ErrNotFound) {
				return report, err
			}
			report.Acknowledged++
			continue
		}

		blocked[operation.RecordID] = struct{}{}
		if ack.Reason == ReasonConflict && ack.Remote != nil {
			if err := c.raiseConflict(bookkeeping, operation.RecordID, *ack.Remote); err != nil {
				c.logError(opSyncOnce, "raise_conflict_failed", err, zap.String("record_id", operation.RecordID))
				c.fail(bookkeeping, operation, err)
				report.Failed++
				continue
			}
			report.Conflicts++
			continue
		}
		c.logger.Warn("remote rejected operation",
			zap.String("operation_id", operation.OperationID),
			zap.String("record_id", operation.RecordID),
			zap.Int64("version", operation.Version),
			zap.String("reason", ack.Reason))
		c.fail(bookkeeping, operation, fmt.Errorf("rejected by remote: %s", ack.Reason))
		report.Rejected++
	}
	return report, nil
}

func (c *Coordinator) fail(ctx context.Context, operation queue.Operation, cause error) {
	failed, err := c.queue.MarkFailed(ctx, operation.OperationID, cause)
	if err != nil {
		c.logError(opSyncOnce, "mark_failed_failed", err, zap.String("operation_id", operation.OperationID))
		return
	}
	if err := c.store.MarkSyncFailed(ctx, records.RecordID(operation.RecordID)); err != nil && !errors.Is(err, records.ErrNotFound) {
		c.logError(opSyncOnce, "mark_sync_failed_failed", err, zap.String("record_id", operation.RecordID))
	}
	c.logger.Info("operation scheduled for retry",
		zap.String("operation_id", operation.OperationID),
		zap.String("record_id", operation.RecordID),
		zap.Int("retry_count", failed.RetryCount),
		zap.Time("next_attempt_at", time.UnixMilli(failed.NextAttemptAtMillis).UTC()),
		zap.Error(cause))
}

// HandleRemote applies a change pushed by a peer. Changes that originated on this device
// are ignored.
func (c *Coordinator) HandleRemote(ctx context.Context, snapshot records.Snapshot, fromDevice string) (records.Decision, error) {
	if fromDevice == c.store.DeviceID().String() {
		return records.DecisionDuplicate, nil
	}
	if snapshot.OwnerID != c.ownerID.String() {
		return "", fmt.Errorf("%w: snapshot owned by %s", records.ErrInvalidState, snapshot.OwnerID)
	}
	outcome, err := c.store.ApplyRemote(ctx, snapshot, records.ApplyOptions{
		Mode:       records.ApplyAsDevice,
		FromDevice: fromDevice,
	})
	if err != nil {
		c.logError(opHandleRemote, "apply_failed", err,
			zap.String("record_id", snapshot.RecordID),
			zap.String("from_device", fromDevice))
		return "", err
	}
	if outcome.Decision == records.DecisionConflict {
		if err := c.raiseConflict(ctx, snapshot.RecordID, snapshot); err != nil {
			return "", err
		}
	}
	return outcome.Decision, nil
}

// raiseConflict opens (or refreshes) the record's single case and parks its operations.
func (c *Coordinator) raiseConflict(ctx context.Context, recordID string, remote records.Snapshot) error {
	current, err := c.store.Get(ctx, records.RecordID(recordID))
	if err != nil {
		return err
	}
	local, err := current.Snapshot()
	if err != nil {
		return err
	}
	opened, created, err := c.registry.Open(ctx, local, remote)
	if err != nil {
		c.logError(opRaiseConflict, "open_failed", err, zap.String("record_id", recordID))
		return err
	}
	if err := c.store.MarkConflict(ctx, records.RecordID(recordID)); err != nil {
		return err
	}
	if created {
		c.logger.Warn("record diverged from remote",
			zap.String("case_id", opened.CaseID),
			zap.String("record_id", recordID),
			zap.Int64("local_version", local.Version),
			zap.Int64("remote_version", remote.Version))
	}
	return nil
}

// Resolve settles a conflict case and schedules the result for transmission.
func (c *Coordinator) Resolve(ctx context.Context, caseID string, strategy conflicts.Strategy, actor records.ActorID) (conflicts.Outcome, error) {
	outcome, err := c.resolver.Resolve(ctx, caseID, strategy, actor)
	if err != nil {
		return conflicts.Outcome{}, err
	}
	if !outcome.Deferred {
		c.Notify()
	}
	return outcome, nil
}

// ResolveManual settles a deferred case with an externally decided payload.
func (c *Coordinator) ResolveManual(ctx context.Context, caseID string, actor records.ActorID, payload records.Payload, isDeleted bool) (conflicts.Outcome, error) {
	outcome, err := c.resolver.ResolveManual(ctx, caseID, actor, payload, isDeleted)
	if err != nil {
		return conflicts.Outcome{}, err
	}
	c.Notify()
	return outcome, nil
}

// OpenConflicts lists the owner's unresolved conflict cases.
func (c *Coordinator) OpenConflicts(ctx context.Context) ([]conflicts.Case, error) {
	return c.registry.ListOpen(ctx, c.ownerID.String())
}

// State reports where a record is in the sync state machine.
func (c *Coordinator) State(ctx context.Context, recordID records.RecordID) (RecordState, error) {
	record, err := c.store.Lookup(ctx, recordID)
	if err != nil {
		return "", err
	}
	c.stateMu.RLock()
	_, flying := c.inFlight[record.RecordID]
	c.stateMu.RUnlock()
	if flying {
		return StateInFlight, nil
	}
	switch record.SyncStatus {
	case records.SyncStatusConflict:
		return StateConflict, nil
	case records.SyncStatusFailed:
		return StateFailed, nil
	case records.SyncStatusSynced:
		return StateSynced, nil
	}
	if record.LastSyncAtMillis != nil {
		return StatePending, nil
	}
	queued, err := c.queue.ListRecord(ctx, record.RecordID)
	if err != nil {
		return "", err
	}
	for _, operation := range queued {
		if operation.RetryCount > 0 {
			return StatePending, nil
		}
	}
	return StateLocalOnly, nil
}

// Diagnostics is the read-only surface of queue, conflict and integrity health.
type Diagnostics struct {
	OwnerID            string           `json:"ownerId"`
	DeviceID           string           `json:"deviceId"`
	PendingOperations  int64            `json:"pendingOperations"`
	RetryingOperations int64            `json:"retryingOperations"`
	ParkedOperations   int64            `json:"parkedOperations"`
	InFlight           int              `json:"inFlight"`
	OpenConflicts      int64            `json:"openConflicts"`
	RecordsByStatus    map[string]int64 `json:"recordsByStatus"`
	IntegrityFailures  []string         `json:"integrityFailures"`
}

// Diagnostics collects counts without modifying anything.
func (c *Coordinator) Diagnostics(ctx context.Context) (Diagnostics, error) {
	stats, err := c.queue.Stats(ctx, c.ownerID.String())
	if err != nil {
		return Diagnostics{}, err
	}
	openConflicts, err := c.registry.CountOpen(ctx, c.ownerID.String())
	if err != nil {
		return Diagnostics{}, err
	}
	all, err := c.store.GetAll(ctx, c.ownerID)
	if err != nil {
		return Diagnostics{}, err
	}
	byStatus := make(map[string]int64)
	for _, record := range all {
		byStatus[string(record.SyncStatus)]++
	}
	failing, err := c.store.ScanIntegrity(ctx, c.ownerID)
	if err != nil {
		return Diagnostics{}, err
	}
	c.stateMu.RLock()
	inFlight := len(c.inFlight)
	c.stateMu.RUnlock()
	return Diagnostics{
		OwnerID:            c.ownerID.String(),
		DeviceID:           c.store.DeviceID().String(),
		PendingOperations:  stats.Queued,
		RetryingOperations: stats.Retrying,
		ParkedOperations:   stats.Parked,
		InFlight:           inFlight,
		OpenConflicts:      openConflicts,
		RecordsByStatus:    byStatus,
		IntegrityFailures:  failing,
	}, nil
}

func (c *Coordinator) setInFlight(recordID string, version int64) {
	c.stateMu.Lock()
	c.inFlight[recordID] = version
	c.stateMu.Unlock()
}

func (c *Coordinator) clearInFlight(recordID string) {
	c.stateMu.Lock()
	delete(c.inFlight, recordID)
	c.stateMu.Unlock()
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", c.ownerID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("sync coordinator error", attrs...)
}
