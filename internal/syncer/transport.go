package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

// Rejection reasons reported by the remote side.
const (
	ReasonConflict  = "conflict"
	ReasonIntegrity = "integrity"
	ReasonInvalid   = "invalid"
)

// ErrTransport indicates a transmission that produced no acknowledgement.
var ErrTransport = errors.New("syncer: transport failure")

// TransportError wraps a failed or timed-out transmission.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("syncer: transport %s failed: %v", e.Operation, e.Err)
}

// Is lets errors.Is match TransportError against ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Change is one queued operation on the wire.
type Change struct {
	OperationID string
	Type        queue.OperationType
	Snapshot    records.Snapshot
}

// Acknowledgement is the remote side's verdict on a transmitted change. A rejected
// conflict carries the remote head in Remote.
type Acknowledgement struct {
	Accepted bool
	Reason   string
	Remote   *records.Snapshot
}

// Transport delivers changes to the remote side. Transmit must honour ctx and return a
// *TransportError when no acknowledgement arrives.
type Transport interface {
	Transmit(ctx context.Context, change Change) (Acknowledgement, error)
}
