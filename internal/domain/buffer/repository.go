package buffer

import (
	"context"
	"errors"

	"github.com/rblinton/logistics-system/internal/domain/ident"
)

// ErrNotRetryable is returned when an operator retry targets an operation
// that is not in Failed status.
var ErrNotRetryable = errors.New("only failed operations can be reset for retry")

// Repository is the durable store for buffered operations. Enqueue must
// persist before returning; a crash immediately after a successful Enqueue
// must not lose the operation. All status mutations are transactional per
// identifier.
type Repository interface {
	// Enqueue durably appends a pending operation to its site's queue.
	// Returns shared.ErrCapacityExceeded when the site's Pending ceiling
	// would be exceeded; the operation is not persisted in that case.
	Enqueue(ctx context.Context, op *BufferedOperation) error

	// PendingBySite returns the site's pending operations in insertion order
	PendingBySite(ctx context.Context, siteCode string) ([]*BufferedOperation, error)

	// SitesWithPending lists site codes that currently have pending work
	SitesWithPending(ctx context.Context) ([]string, error)

	// FindByID retrieves one operation by identifier
	FindByID(ctx context.Context, id ident.Identifier) (*BufferedOperation, error)

	// MarkSynced, MarkFailed and IncrementAttempt are idempotent status
	// transitions; applying them to an already terminal operation is a no-op.
	MarkSynced(ctx context.Context, id ident.Identifier) error
	MarkFailed(ctx context.Context, id ident.Identifier, reason string) error
	IncrementAttempt(ctx context.Context, id ident.Identifier, attemptErr string) error

	// Requeue atomically re-keys an operation and moves it to the back of
	// its site's queue, for identifier-collision retries.
	Requeue(ctx context.Context, oldID, newID ident.Identifier) error

	// Update persists entity-level changes (operator retry resets)
	Update(ctx context.Context, op *BufferedOperation) error

	// FindFailed retrieves frozen operations with pagination, newest first
	FindFailed(ctx context.Context, page, pageSize int) ([]*BufferedOperation, int64, error)

	// CountPendingBySite returns the current Pending depth for a site
	CountPendingBySite(ctx context.Context, siteCode string) (int64, error)

	// CountByStatus returns operation counts per status
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
