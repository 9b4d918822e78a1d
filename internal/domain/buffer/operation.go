package buffer

import (
	"time"

	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/site"
)

// Status represents the lifecycle state of a buffered operation
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSynced  Status = "SYNCED"
	StatusFailed  Status = "FAILED"
)

// OperationKind tags what a buffered payload represents on the ledger side
type OperationKind string

const (
	KindAccountCreation  OperationKind = "ACCOUNT_CREATION"
	KindTransferCreation OperationKind = "TRANSFER_CREATION"
	KindMasterData       OperationKind = "MASTER_DATA"
)

// DefaultMaxAttempts is the attempt ceiling before an operation is frozen
// as Failed for operator inspection.
const DefaultMaxAttempts = 5

// BufferedOperation is one ledger-affecting action queued locally while the
// ledger is unreachable. The identifier is the operation's key; the payload
// is the serialized ledger descriptor. Status and attempt fields are mutated
// only by the sync engine.
type BufferedOperation struct {
	ID       ident.Identifier
	Kind     OperationKind
	SiteCode string
	SiteTag  site.Tag
	// KeyHash is the business-key hash used for identifier-collision
	// conflict detection against what the ledger already holds
	KeyHash uint64
	Payload []byte

	Status        Status
	AttemptCount  int
	MaxAttempts   int
	LastError     string
	LastAttemptAt *time.Time

	// Sequence is the durable per-buffer insertion order, assigned on
	// enqueue. Draining follows it strictly within a site.
	Sequence  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBufferedOperation creates a pending operation ready to enqueue
func NewBufferedOperation(id ident.Identifier, kind OperationKind, siteCode string, tag site.Tag, keyHash uint64, payload []byte) *BufferedOperation {
	now := time.Now()
	return &BufferedOperation{
		ID:          id,
		Kind:        kind,
		SiteCode:    siteCode,
		SiteTag:     tag,
		KeyHash:     keyHash,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the operation has reached a final status
func (o *BufferedOperation) IsTerminal() bool {
	return o.Status == StatusSynced || o.Status == StatusFailed
}

// MarkSynced transitions the operation to Synced. Transitioning an already
// terminal operation is a no-op, not an error.
func (o *BufferedOperation) MarkSynced() {
	if o.IsTerminal() {
		return
	}
	o.Status = StatusSynced
	o.UpdatedAt = time.Now()
}

// MarkFailed freezes the operation as Failed with the given reason.
// Failed operations are retained for operator inspection, never purged
// automatically. No-op on already terminal operations.
func (o *BufferedOperation) MarkFailed(reason string) {
	if o.IsTerminal() {
		return
	}
	o.Status = StatusFailed
	o.LastError = reason
	o.UpdatedAt = time.Now()
}

// RecordAttempt notes one delivery attempt. No-op on terminal operations.
func (o *BufferedOperation) RecordAttempt(err string) {
	if o.IsTerminal() {
		return
	}
	now := time.Now()
	o.AttemptCount++
	o.LastAttemptAt = &now
	o.LastError = err
	o.UpdatedAt = now
}

// Exhausted reports whether the attempt ceiling has been reached
func (o *BufferedOperation) Exhausted() bool {
	return o.AttemptCount >= o.MaxAttempts
}

// Rekey replaces the operation's identifier after an identifier collision.
// Attempt accounting carries over; the repository moves the operation to the
// back of its site's queue.
func (o *BufferedOperation) Rekey(id ident.Identifier) {
	o.ID = id
	o.LastError = ""
	o.UpdatedAt = time.Now()
}

// ResetForRetry returns a Failed operation to Pending for another round of
// delivery attempts. Only Failed operations can be reset.
func (o *BufferedOperation) ResetForRetry() error {
	if o.Status != StatusFailed {
		return ErrNotRetryable
	}
	o.Status = StatusPending
	o.AttemptCount = 0
	o.LastError = ""
	o.LastAttemptAt = nil
	o.UpdatedAt = time.Now()
	return nil
}
