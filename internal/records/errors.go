package records

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no record exists for the identifier.
	ErrNotFound = errors.New("records: record not found")
	// ErrInvalidState indicates a mutation that the record's lifecycle forbids.
	ErrInvalidState = errors.New("records: invalid record state")
	// ErrIntegrity indicates that a stored or received checksum does not match its content.
	ErrIntegrity = errors.New("records: integrity check failed")
	// ErrCorruptRecord narrows ErrIntegrity to a locally stored record.
	ErrCorruptRecord = errors.New("records: stored record is corrupt")
	// ErrPurgeUnconfirmed indicates that not every known device has confirmed the deletion.
	ErrPurgeUnconfirmed = errors.New("records: purge not confirmed by all devices")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device identifier is required")
)

// IntegrityError reports a checksum mismatch. The affected record is never modified.
// Local is set when the stored record failed verification rather than a received snapshot.
type IntegrityError struct {
	RecordID string
	Stored   string
	Computed string
	Local    bool
	Cause    error
}

func (e *IntegrityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("records: integrity check failed for %s: %v", e.RecordID, e.Cause)
	}
	return fmt.Sprintf("records: integrity check failed for %s: stored %s computed %s", e.RecordID, e.Stored, e.Computed)
}

// Is lets errors.Is match IntegrityError against ErrIntegrity, and against
// ErrCorruptRecord when the local copy is at fault.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity || (e.Local && target == ErrCorruptRecord)
}

func (e *IntegrityError) Unwrap() error {
	return e.Cause
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
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
