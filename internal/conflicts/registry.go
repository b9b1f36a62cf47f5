package conflicts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

var (
	// ErrCaseNotFound indicates that no conflict case matches the identifier.
	ErrCaseNotFound = errors.New("conflicts: case not found")
	// ErrAlreadyResolved indicates a second resolution of the same case.
	ErrAlreadyResolved = fmt.Errorf("%w: conflict already resolved", records.ErrInvalidState)

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider records.IDProvider
	Logger     *zap.Logger
}

// Registry persists conflict cases. A record has at most one open case.
type Registry struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider records.IDProvider
	logger     *zap.Logger
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Open records a divergence. When the record already has an open case, that case is
// refreshed with the newer snapshots and created is false.
func (r *Registry) Open(ctx context.Context, local, remote records.Snapshot) (Case, bool, error) {
	if local.RecordID != remote.RecordID {
		return Case{}, false, fmt.Errorf("conflicts: snapshots of different records %s and %s", local.RecordID, remote.RecordID)
	}
	localJSON, err := encodeSnapshot(local)
	if err != nil {
		return Case{}, false, err
	}
	remoteJSON, err := encodeSnapshot(remote)
	if err != nil {
		return Case{}, false, err
	}

	var opened Case
	created := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Case
		err := tx.Where("record_id = ? AND status IN ?", local.RecordID, []Status{StatusOpen, StatusDeferred}).
			Take(&existing).Error
		if err == nil {
			existing.LocalVersion = local.Version
			existing.LocalSnapshotJSON = localJSON
			if remote.Version >= existing.RemoteVersion {
				existing.RemoteVersion = remote.Version
				existing.RemoteSnapshotJSON = remoteJSON
			}
			opened = existing
			return tx.Save(&existing).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		caseID, err := r.idProvider.NewID()
		if err != nil {
			return err
		}
		opened = Case{
			CaseID:             caseID,
			RecordID:           local.RecordID,
			OwnerID:            local.OwnerID,
			LocalVersion:       local.Version,
			RemoteVersion:      remote.Version,
			LocalSnapshotJSON:  localJSON,
			RemoteSnapshotJSON: remoteJSON,
			Status:             StatusOpen,
			DetectedAtMillis:   r.clock().UTC().UnixMilli(),
		}
		created = true
		return tx.Create(&opened).Error
	})
	if err != nil {
		r.logger.Error("conflict case open failed",
			zap.String("record_id", local.RecordID),
			zap.Error(err))
		return Case{}, false, err
	}
	if created {
		r.logger.Info("conflict case opened",
			zap.String("case_id", opened.CaseID),
			zap.String("record_id", opened.RecordID),
			zap.Int64("local_version", opened.LocalVersion),
			zap.Int64("remote_version", opened.RemoteVersion))
	}
	return opened, created, nil
}

// Get returns a case by identifier.
func (r *Registry) Get(ctx context.Context, caseID string) (Case, error) {
	var found Case
	if err := r.db.WithContext(ctx).Where("case_id = ?", caseID).Take(&found).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, err
	}
	return found, nil
}

// OpenForRecord returns the open case of a record.
func (r *Registry) OpenForRecord(ctx context.Context, recordID string) (Case, error) {
	var found Case
	err := r.db.WithContext(ctx).
		Where("record_id = ? AND status IN ?", recordID, []Status{StatusOpen, StatusDeferred}).
		Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Case{}, ErrCaseNotFound
	}
	return found, err
}

// ListOpen returns the owner's unresolved cases, oldest first.
func (r *Registry) ListOpen(ctx context.Context, ownerID string) ([]Case, error) {
	var open []Case
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND status IN ?", ownerID, []Status{StatusOpen, StatusDeferred}).
		Order("detected_at_ms ASC").
		Find(&open).Error; err != nil {
		return nil, err
	}
	return open, nil
}

// CountOpen returns the number of unresolved cases of the owner.
func (r *Registry) CountOpen(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Case{}).
		Where("owner_id = ? AND status IN ?", ownerID, []Status{StatusOpen, StatusDeferred}).
		Count(&count).Error
	return count, err
}

func (r *Registry) deferCase(ctx context.Context, caseID string) (Case, error) {
	var deferred Case
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("case_id = ?", caseID).Take(&deferred).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCaseNotFound
			}
			return err
		}
		if deferred.Status == StatusResolved {
			return ErrAlreadyResolved
		}
		deferred.Status = StatusDeferred
		deferred.Strategy = StrategyManual
		return tx.Save(&deferred).Error
	})
	return deferred, err
}

func (r *Registry) markResolvedTx(tx *gorm.DB, caseID string, strategy Strategy, actor string, version int64) error {
	resolvedAt := r.clock().UTC().UnixMilli()
	result := tx.Model(&Case{}).
		Where("case_id = ? AND status <> ?", caseID, StatusResolved).
		Updates(map[string]any{
			"status":           StatusResolved,
			"strategy":         strategy,
			"resolved_at_ms":   resolvedAt,
			"resolved_by":      actor,
			"resolved_version": version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyResolved
	}
	return nil
}
