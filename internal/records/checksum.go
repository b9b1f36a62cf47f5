package records

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type checksumInput struct {
	RecordID        string  `json:"id"`
	Payload         Payload `json:"payload"`
	UpdatedAtMillis int64   `json:"updatedAt"`
}

// ComputeChecksum returns the hex sha256 digest over the canonical encoding of the
// record id, content fields and last-modified timestamp. It is never used as an identity key.
func ComputeChecksum(recordID string, payload Payload, updatedAtMillis int64) (string, error) {
	canonical, err := json.Marshal(checksumInput{
		RecordID:        recordID,
		Payload:         payload,
		UpdatedAtMillis: updatedAtMillis,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// verifyRecord recomputes the checksum over the stored payload. A payload that no longer
// decodes is reported the same way as a digest mismatch.
func verifyRecord(record Record) error {
	payload, err := record.DecodePayload()
	if err != nil {
		return &IntegrityError{RecordID: record.RecordID, Stored: record.Checksum, Local: true, Cause: err}
	}
	computed, err := ComputeChecksum(record.RecordID, payload, record.UpdatedAtMillis)
	if err != nil {
		return &IntegrityError{RecordID: record.RecordID, Stored: record.Checksum, Local: true, Cause: err}
	}
	if computed != record.Checksum {
		return &IntegrityError{RecordID: record.RecordID, Stored: record.Checksum, Computed: computed, Local: true}
	}
	return nil
}

func verifySnapshot(snapshot Snapshot) error {
	computed, err := ComputeChecksum(snapshot.RecordID, snapshot.Payload, snapshot.UpdatedAtMillis)
	if err != nil {
		return &IntegrityError{RecordID: snapshot.RecordID, Stored: snapshot.Checksum, Cause: err}
	}
	if computed != snapshot.Checksum {
		return &IntegrityError{RecordID: snapshot.RecordID, Stored: snapshot.Checksum, Computed: computed}
	}
	return nil
}
