package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("records: invalid user id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("records: invalid device id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("records: invalid actor id")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidRecordID)
	return RecordID(value), err
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(value), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidDeviceID)
	return DeviceID(value), err
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// ActorID identifies the person performing a mutation (the patient or a caregiver).
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidActorID)
	return ActorID(value), err
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// SyncStatus enumerates the replication state persisted on a record.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusFailed   SyncStatus = "failed"
	SyncStatusConflict SyncStatus = "conflict"
)

// AuditAction enumerates the mutations captured by the audit trail.
type AuditAction string

const (
	AuditActionCreate          AuditAction = "create"
	AuditActionUpdate          AuditAction = "update"
	AuditActionDelete          AuditAction = "delete"
	AuditActionRestore         AuditAction = "restore"
	AuditActionSync            AuditAction = "sync"
	AuditActionConflictResolve AuditAction = "conflict_resolve"
)

// Record models the persisted head version of a health record.
type Record struct {
	RecordID         string     `gorm:"column:record_id;primaryKey;size:190;not null"`
	OwnerID          string     `gorm:"column:owner_id;size:190;not null;index:idx_records_owner_change,priority:1"`
	Kind             Kind       `gorm:"column:kind;size:32;not null"`
	Version          int64      `gorm:"column:version;not null"`
	ParentVersion    int64      `gorm:"column:parent_version;not null"`
	ParentChecksum   string     `gorm:"column:parent_checksum;size:64;not null;default:''"`
	PayloadJSON      string     `gorm:"column:payload_json;type:text;not null"`
	Checksum         string     `gorm:"column:checksum;size:64;not null"`
	SyncStatus       SyncStatus `gorm:"column:sync_status;size:16;not null;index"`
	IsDeleted        bool       `gorm:"column:is_deleted;not null"`
	DeletedAtMillis  *int64     `gorm:"column:deleted_at_ms"`
	CreatedAtMillis  int64      `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64      `gorm:"column:updated_at_ms;not null"`
	OriginDeviceID   string     `gorm:"column:origin_device_id;size:190;not null"`
	LastWriterDevice string     `gorm:"column:last_writer_device;size:190;not null"`
	LastSyncAtMillis *int64     `gorm:"column:last_sync_at_ms"`
	LastChangeSeq    int64      `gorm:"column:last_change_seq;not null;index:idx_records_owner_change,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// DecodePayload parses the stored payload.
func (record Record) DecodePayload() (Payload, error) {
	return decodePayload(record.PayloadJSON)
}

// Snapshot converts the stored row into its full domain snapshot.
func (record Record) Snapshot() (Snapshot, error) {
	payload, err := record.DecodePayload()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		RecordID:         record.RecordID,
		OwnerID:          record.OwnerID,
		Version:          record.Version,
		ParentVersion:    record.ParentVersion,
		ParentChecksum:   record.ParentChecksum,
		Payload:          payload,
		Checksum:         record.Checksum,
		IsDeleted:        record.IsDeleted,
		DeletedAtMillis:  record.DeletedAtMillis,
		CreatedAtMillis:  record.CreatedAtMillis,
		UpdatedAtMillis:  record.UpdatedAtMillis,
		OriginDeviceID:   record.OriginDeviceID,
		LastWriterDevice: record.LastWriterDevice,
	}, nil
}

// RecordVersion retains one accepted version of a record's lineage.
type RecordVersion struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;primaryKey;not null"`
	ParentVersion    int64  `gorm:"column:parent_version;not null"`
	ParentChecksum   string `gorm:"column:parent_checksum;size:64;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Checksum         string `gorm:"column:checksum;size:64;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
	UpdatedAtMillis  int64  `gorm:"column:updated_at_ms;not null"`
	WriterDevice     string `gorm:"column:writer_device;size:190;not null"`
	RecordedAtMillis int64  `gorm:"column:recorded_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordVersion) TableName() string {
	return "record_versions"
}

// DecodePayload parses the payload retained for this version.
func (version RecordVersion) DecodePayload() (Payload, error) {
	return decodePayload(version.PayloadJSON)
}

// AuditEntry captures one immutable, append-only mutation of a record.
// Seq doubles as the store-wide change cursor.
type AuditEntry struct {
	Seq             int64       `gorm:"column:seq;primaryKey;autoIncrement"`
	EntryID         string      `gorm:"column:entry_id;size:190;not null;uniqueIndex"`
	RecordID        string      `gorm:"column:record_id;size:190;not null;index"`
	OwnerID         string      `gorm:"column:owner_id;size:190;not null"`
	Action          AuditAction `gorm:"column:action;size:32;not null"`
	TimestampMillis int64       `gorm:"column:timestamp_ms;not null"`
	ActorID         string      `gorm:"column:actor_id;size:190;not null"`
	DeviceID        string      `gorm:"column:device_id;size:190;not null"`
	FromVersion     int64       `gorm:"column:from_version;not null"`
	ToVersion       int64       `gorm:"column:to_version;not null"`
	FieldDiffsJSON  string      `gorm:"column:field_diffs_json;type:text;not null"`
	MetadataJSON    string      `gorm:"column:metadata_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// FieldDiffs decodes the field-level diffs recorded on the entry.
func (entry AuditEntry) FieldDiffs() ([]FieldDiff, error) {
	var diffs []FieldDiff
	if entry.FieldDiffsJSON == "" {
		return diffs, nil
	}
	if err := json.Unmarshal([]byte(entry.FieldDiffsJSON), &diffs); err != nil {
		return nil, err
	}
	return diffs, nil
}

// Metadata decodes the free-form metadata recorded on the entry.
func (entry AuditEntry) Metadata() (map[string]string, error) {
	metadata := map[string]string{}
	if entry.MetadataJSON == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(entry.MetadataJSON), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// Snapshot is the full, self-describing state of one record version. It is the unit
// exchanged between peers and stored on both sides of a conflict. ParentChecksum pins the
// exact parent content and is empty for a first version.
type Snapshot struct {
	RecordID         string  `json:"recordId"`
	OwnerID          string  `json:"ownerId"`
	Version          int64   `json:"version"`
	ParentVersion    int64   `json:"parentVersion"`
	ParentChecksum   string  `json:"parentChecksum,omitempty"`
	Payload          Payload `json:"payload"`
	Checksum         string  `json:"checksum"`
	IsDeleted        bool    `json:"isDeleted"`
	DeletedAtMillis  *int64  `json:"deletedAt,omitempty"`
	CreatedAtMillis  int64   `json:"createdAt"`
	UpdatedAtMillis  int64   `json:"updatedAt"`
	OriginDeviceID   string  `json:"originDeviceId"`
	LastWriterDevice string  `json:"lastWriterDevice"`
}

// Validate checks the structural invariants of a snapshot received from a peer.
func (snapshot Snapshot) Validate() error {
	if _, err := NewRecordID(snapshot.RecordID); err != nil {
		return err
	}
	if _, err := NewUserID(snapshot.OwnerID); err != nil {
		return err
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("%w: version %d", ErrInvalidSnapshot, snapshot.Version)
	}
	if snapshot.ParentVersion < 0 || snapshot.ParentVersion >= snapshot.Version {
		return fmt.Errorf("%w: parent version %d for version %d", ErrInvalidSnapshot, snapshot.ParentVersion, snapshot.Version)
	}
	if snapshot.UpdatedAtMillis <= 0 {
		return fmt.Errorf("%w: missing updated timestamp", ErrInvalidSnapshot)
	}
	return snapshot.Payload.Validate()
}

// FieldDiff records a single changed field as JSON-encoded before/after values.
type FieldDiff struct {
	Field  string `json:"field"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}
