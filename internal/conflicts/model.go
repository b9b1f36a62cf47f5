package conflicts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

// Strategy enumerates the ways a conflict case can be settled.
type Strategy string

const (
	StrategyKeepLocal  Strategy = "keep_local"
	StrategyKeepRemote Strategy = "keep_remote"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// ErrInvalidStrategy indicates an unknown resolution strategy.
var ErrInvalidStrategy = errors.New("conflicts: invalid strategy")

// NewStrategy validates raw input and returns a Strategy.
func NewStrategy(raw string) (Strategy, error) {
	switch strategy := Strategy(raw); strategy {
	case StrategyKeepLocal, StrategyKeepRemote, StrategyMerge, StrategyManual:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
	}
}

// Status tracks a case from detection to resolution.
type Status string

const (
	StatusOpen     Status = "open"
	StatusDeferred Status = "deferred"
	StatusResolved Status = "resolved"
)

// Case records a divergence between the local head and a remote version of one record.
// Both sides are kept as full snapshots.
type Case struct {
	CaseID             string   `gorm:"column:case_id;primaryKey;size:190;not null"`
	RecordID           string   `gorm:"column:record_id;size:190;not null;index"`
	OwnerID            string   `gorm:"column:owner_id;size:190;not null;index"`
	LocalVersion       int64    `gorm:"column:local_version;not null"`
	RemoteVersion      int64    `gorm:"column:remote_version;not null"`
	LocalSnapshotJSON  string   `gorm:"column:local_snapshot_json;type:text;not null"`
	RemoteSnapshotJSON string   `gorm:"column:remote_snapshot_json;type:text;not null"`
	Strategy           Strategy `gorm:"column:strategy;size:32;not null"`
	Status             Status   `gorm:"column:status;size:16;not null;index"`
	DetectedAtMillis   int64    `gorm:"column:detected_at_ms;not null"`
	ResolvedAtMillis   *int64   `gorm:"column:resolved_at_ms"`
	ResolvedBy         string   `gorm:"column:resolved_by;size:190;not null"`
	ResolvedVersion    int64    `gorm:"column:resolved_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Case) TableName() string {
	return "conflict_cases"
}

// LocalSnapshot decodes the local side of the case.
func (c Case) LocalSnapshot() (records.Snapshot, error) {
	return decodeSnapshot(c.LocalSnapshotJSON)
}

// RemoteSnapshot decodes the remote side of the case.
func (c Case) RemoteSnapshot() (records.Snapshot, error) {
	return decodeSnapshot(c.RemoteSnapshotJSON)
}

// IsOpen reports whether the case still awaits resolution.
func (c Case) IsOpen() bool {
	return c.Status == StatusOpen || c.Status == StatusDeferred
}

func encodeSnapshot(snapshot records.Snapshot) (string, error) {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeSnapshot(raw string) (records.Snapshot, error) {
	var snapshot records.Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return records.Snapshot{}, err
	}
	return snapshot, nil
}
