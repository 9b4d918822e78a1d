package sync

import (
	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ledger"
)

// Action is what the engine does with a ledger rejection
type Action string

const (
	// ActionIgnore treats the rejection as already-applied: the operation
	// is marked Synced with no further ledger call.
	ActionIgnore Action = "IGNORE"

	// ActionRetryWithNewIdentifier re-keys the operation with a freshly
	// allocated identifier and re-enqueues it at the back of its site's
	// queue. This deliberately breaks strict FIFO for the retried item.
	ActionRetryWithNewIdentifier Action = "RETRY_NEW_IDENTIFIER"

	// ActionEscalate freezes the operation as Failed for operator action
	// and halts the site's drain to preserve causal ordering.
	ActionEscalate Action = "ESCALATE"
)

// Resolve maps a per-item ledger rejection to an action. It is a pure
// closed dispatch over the ledger's failure codes:
//
//   - already-exists with equivalent content (matching business-key hash,
//     or no hash returned) is an idempotent re-apply: Ignore
//   - already-exists with different content is an identifier collision:
//     RetryWithNewIdentifier
//   - validation and business-rule rejections, and anything unclassified,
//     cannot be resolved automatically: Escalate
func Resolve(op *buffer.BufferedOperation, failure ledger.CreateFailure) Action {
	switch failure.Code {
	case ledger.FailureAlreadyExists:
		if failure.HasExistingKeyHash && failure.ExistingKeyHash != op.KeyHash {
			return ActionRetryWithNewIdentifier
		}
		return ActionIgnore
	default:
		return ActionEscalate
	}
}
