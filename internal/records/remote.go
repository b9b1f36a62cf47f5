package records

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
)

const (
	opApplyRemote = "records.apply_remote"
	opResolve     = "records.resolve"

	syncActor = "system:sync"
)

// ApplyMode selects how strictly a store treats lineage the peer cannot prove.
type ApplyMode int

const (
	// ApplyAsDevice trusts the relay's linear lineage: a direct descendant of the local head
	// fast-forwards, a synced head fast-forwards to any newer version, and versions below
	// the local head are stale.
	ApplyAsDevice ApplyMode = iota
	// ApplyAsRelay accepts only direct descendants, matched on parent version and checksum,
	// or versions already in the lineage.
	ApplyAsRelay
)

// Decision classifies the outcome of applying a remote snapshot.
type Decision string

const (
	DecisionCreated     Decision = "created"
	DecisionFastForward Decision = "fast_forward"
	DecisionDuplicate   Decision = "duplicate"
	DecisionStale       Decision = "stale"
	DecisionConflict    Decision = "conflict"
)

// Accepted reports whether the remote version is now part of the local lineage.
func (d Decision) Accepted() bool {
	return d != DecisionConflict
}

// ApplyOptions controls ApplyRemote.
type ApplyOptions struct {
	Mode       ApplyMode
	FromDevice string
}

// RemoteOutcome reports what ApplyRemote did and the local record afterwards.
type RemoteOutcome struct {
	Decision Decision
	Local    Record
}

// ApplyRemote applies a snapshot received from a peer. Divergent lineage is reported as
// DecisionConflict without touching local state; the caller opens the conflict case.
func (s *Store) ApplyRemote(ctx context.Context, snapshot Snapshot, options ApplyOptions) (RemoteOutcome, error) {
	if err := snapshot.Validate(); err != nil {
		return RemoteOutcome{}, err
	}
	if err := verifySnapshot(snapshot); err != nil {
		s.logger.Warn("rejecting remote snapshot with bad checksum",
			zap.String("record_id", snapshot.RecordID),
			zap.String("from_device", options.FromDevice),
			zap.Error(err))
		return RemoteOutcome{}, err
	}

	unlock := s.locks.Lock(snapshot.RecordID)
	defer unlock()

	var outcome RemoteOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadRecord(tx, snapshot.RecordID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created := recordFromSnapshot(snapshot, s.clock().UTC().UnixMilli())
			diffs, err := DiffPayloads(nil, &snapshot.Payload)
			if err != nil {
				return err
			}
			if err := s.persistRemote(tx, nil, &created, diffs, options); err != nil {
				return err
			}
			outcome = RemoteOutcome{Decision: DecisionCreated, Local: created}
			return nil
		}
		if err != nil {
			return err
		}
		if existing.OwnerID != snapshot.OwnerID {
			return newServiceError(opApplyRemote, "owner_mismatch", ErrInvalidState)
		}
		if err := verifyRecord(existing); err != nil {
			return err
		}

		decision, err := classify(tx, existing, snapshot, options.Mode)
		if err != nil {
			return err
		}
		outcome = RemoteOutcome{Decision: decision, Local: existing}
		if decision != DecisionFastForward {
			return nil
		}

		before, err := existing.DecodePayload()
		if err != nil {
			return err
		}
		diffs, err := DiffPayloads(&before, &snapshot.Payload)
		if err != nil {
			return err
		}
		if existing.IsDeleted != snapshot.IsDeleted {
			diffs = append(diffs, deletionDiff(existing.IsDeleted, snapshot.IsDeleted))
		}
		forwarded := recordFromSnapshot(snapshot, s.clock().UTC().UnixMilli())
		forwarded.CreatedAtMillis = existing.CreatedAtMillis
		forwarded.OriginDeviceID = existing.OriginDeviceID
		if err := s.persistRemote(tx, &existing, &forwarded, diffs, options); err != nil {
			return err
		}
		outcome.Local = forwarded
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			s.logError(opApplyRemote, "apply_failed", err, zap.String("record_id", snapshot.RecordID))
		}
		return RemoteOutcome{}, wrapLookup(opApplyRemote, err)
	}
	if outcome.Decision == DecisionConflict {
		s.logger.Info("remote version diverges from local lineage",
			zap.String("record_id", snapshot.RecordID),
			zap.Int64("local_version", outcome.Local.Version),
			zap.Int64("remote_version", snapshot.Version),
			zap.Int64("remote_parent_version", snapshot.ParentVersion),
			zap.String("from_device", options.FromDevice))
	}
	return outcome, nil
}

func classify(tx *gorm.DB, local Record, remote Snapshot, mode ApplyMode) (Decision, error) {
	if local.Version == remote.Version && local.Checksum == remote.Checksum {
		return DecisionDuplicate, nil
	}
	var known int64
	if err := tx.Model(&RecordVersion{}).
		Where("record_id = ? AND version = ? AND checksum = ?", local.RecordID, remote.Version, remote.Checksum).
		Count(&known).Error; err != nil {
		return "", err
	}
	if known > 0 {
		return DecisionStale, nil
	}
	if local.SyncStatus == SyncStatusConflict {
		return DecisionConflict, nil
	}
	if local.Version == remote.ParentVersion && local.Checksum == remote.ParentChecksum {
		return DecisionFastForward, nil
	}
	if mode == ApplyAsRelay {
		return DecisionConflict, nil
	}
	// Without a matching parent checksum only a synced head is fast-forwarded.
	if remote.Version < local.Version {
		return DecisionStale, nil
	}
	if remote.Version > local.Version && local.SyncStatus == SyncStatusSynced {
		return DecisionFastForward, nil
	}
	return DecisionConflict, nil
}

func (s *Store) persistRemote(tx *gorm.DB, before, after *Record, diffs []FieldDiff, options ApplyOptions) error {
	payload, err := after.DecodePayload()
	if err != nil {
		return err
	}
	if err := setContent(after, payload); err != nil {
		return err
	}
	metadata := map[string]string{"remote_version": strconv.FormatInt(after.Version, 10)}
	if options.FromDevice != "" {
		metadata["from_device"] = options.FromDevice
	}
	return s.persist(tx, mutation{
		before:   before,
		after:    after,
		created:  before == nil,
		action:   AuditActionSync,
		actor:    syncActor,
		device:   after.LastWriterDevice,
		diffs:    diffs,
		metadata: metadata,
	})
}

func recordFromSnapshot(snapshot Snapshot, syncedAtMillis int64) Record {
	record := Record{
		RecordID:         snapshot.RecordID,
		OwnerID:          snapshot.OwnerID,
		Kind:             snapshot.Payload.Kind,
		Version:          snapshot.Version,
		ParentVersion:    snapshot.ParentVersion,
		ParentChecksum:   snapshot.ParentChecksum,
		SyncStatus:       SyncStatusSynced,
		IsDeleted:        snapshot.IsDeleted,
		DeletedAtMillis:  snapshot.DeletedAtMillis,
		CreatedAtMillis:  snapshot.CreatedAtMillis,
		UpdatedAtMillis:  snapshot.UpdatedAtMillis,
		OriginDeviceID:   snapshot.OriginDeviceID,
		LastWriterDevice: snapshot.LastWriterDevice,
		LastSyncAtMillis: &syncedAtMillis,
	}
	if encoded, err := encodePayload(snapshot.Payload); err == nil {
		record.PayloadJSON = encoded
	}
	if !record.IsDeleted {
		record.DeletedAtMillis = nil
	}
	return record
}

// Resolution describes how a conflicted record is settled.
type Resolution struct {
	Strategy string
	Actor    ActorID
	// Remote is the diverged peer version recorded on the conflict case.
	Remote Snapshot
	// AdoptRemote installs Remote verbatim as the new synced head. Remote must be newer
	// than the local head.
	AdoptRemote bool
	// Payload and IsDeleted form the resolved content when not adopting Remote. The result
	// is versioned above both sides and re-enters sync as pending.
	Payload   Payload
	IsDeleted bool
	Metadata  map[string]string
	// Finalize runs inside the resolution transaction.
	Finalize func(tx *gorm.DB, resolved Record) error
}

// Resolve settles a record in conflict. Parked operations are superseded and one
// conflict_resolve audit entry records the strategy and both parent versions.
func (s *Store) Resolve(ctx context.Context, recordID RecordID, resolution Resolution) (Record, error) {
	if _, err := NewActorID(resolution.Actor.String()); err != nil {
		return Record{}, err
	}
	if resolution.Remote.RecordID != recordID.String() {
		return Record{}, newServiceError(opResolve, "record_mismatch", ErrInvalidSnapshot)
	}
	if err := resolution.Remote.Validate(); err != nil {
		return Record{}, err
	}
	if err := verifySnapshot(resolution.Remote); err != nil {
		return Record{}, err
	}
	if !resolution.AdoptRemote {
		if err := resolution.Payload.Validate(); err != nil {
			return Record{}, err
		}
	}

	unlock := s.locks.Lock(recordID.String())
	defer unlock()

	var resolved Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := loadRecord(tx, recordID.String())
		if err != nil {
			return err
		}
		if existing.SyncStatus != SyncStatusConflict {
			return newServiceError(opResolve, "not_in_conflict", ErrInvalidState)
		}
		if err := verifyRecord(existing); err != nil {
			return err
		}
		if resolution.AdoptRemote && resolution.Remote.Version <= existing.Version {
			return newServiceError(opResolve, "remote_not_newer", ErrInvalidState)
		}

		var superseded []string
		if s.queue != nil {
			superseded, err = s.queue.SupersedeTx(tx, existing.RecordID)
			if err != nil {
				return err
			}
		}

		before, err := existing.DecodePayload()
		if err != nil {
			return err
		}
		var after Record
		var result Payload
		var enqueue queue.OperationType
		if resolution.AdoptRemote {
			after = recordFromSnapshot(resolution.Remote, s.clock().UTC().UnixMilli())
			after.CreatedAtMillis = existing.CreatedAtMillis
			after.OriginDeviceID = existing.OriginDeviceID
			result = resolution.Remote.Payload
		} else {
			after = existing
			after.Version = maxInt64(existing.Version, resolution.Remote.Version) + 1
			after.ParentVersion = resolution.Remote.Version
			after.ParentChecksum = resolution.Remote.Checksum
			after.UpdatedAtMillis = s.clock().UTC().UnixMilli()
			after.LastWriterDevice = s.deviceID.String()
			after.SyncStatus = SyncStatusPending
			after.IsDeleted = resolution.IsDeleted
			after.DeletedAtMillis = nil
			if resolution.IsDeleted {
				deletedAt := after.UpdatedAtMillis
				if existing.DeletedAtMillis != nil {
					deletedAt = *existing.DeletedAtMillis
				}
				after.DeletedAtMillis = &deletedAt
			}
			result = resolution.Payload
			enqueue = queue.OperationUpdate
			if resolution.IsDeleted {
				enqueue = queue.OperationDelete
			}
		}
		if err := setContent(&after, result); err != nil {
			return err
		}

		diffs, err := DiffPayloads(&before, &result)
		if err != nil {
			return err
		}
		if existing.IsDeleted != after.IsDeleted {
			diffs = append(diffs, deletionDiff(existing.IsDeleted, after.IsDeleted))
		}
		metadata := map[string]string{
			"strategy":       resolution.Strategy,
			"local_version":  strconv.FormatInt(existing.Version, 10),
			"remote_version": strconv.FormatInt(resolution.Remote.Version, 10),
			"superseded_ops": strings.Join(superseded, ","),
		}
		for key, value := range resolution.Metadata {
			metadata[key] = value
		}

		if err := s.persist(tx, mutation{
			before:   &existing,
			after:    &after,
			action:   AuditActionConflictResolve,
			actor:    resolution.Actor.String(),
			device:   s.deviceID.String(),
			diffs:    diffs,
			metadata: metadata,
			enqueue:  enqueue,
		}); err != nil {
			return err
		}
		if resolution.Finalize != nil {
			if err := resolution.Finalize(tx, after); err != nil {
				return err
			}
		}
		resolved = after
		return nil
	})
	if err != nil {
		if !isDomainError(err) {
			s.logError(opResolve, "resolve_failed", err, zap.String("record_id", recordID.String()))
		}
		return Record{}, wrapLookup(opResolve, err)
	}
	return resolved, nil
}

func maxInt64(left, right int64) int64 {
	if left > right {
		return left
	}
	return right
}
