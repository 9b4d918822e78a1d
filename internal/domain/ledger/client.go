package ledger

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/rblinton/logistics-system/internal/domain/ident"
)

// FailureCode classifies a per-item rejection from the ledger service.
// This is a closed set: new ledger error categories become new codes,
// never new error types.
type FailureCode string

const (
	FailureAlreadyExists FailureCode = "ALREADY_EXISTS"
	FailureValidation    FailureCode = "VALIDATION_FAILED"
	FailureBusinessRule  FailureCode = "BUSINESS_RULE_FAILED"
	FailureUnknown       FailureCode = "UNKNOWN"
)

// AccountDescriptor describes one ledger account to create. Payload is
// passed through opaquely; the core never interprets the ledger's
// account/ledger-code taxonomy.
type AccountDescriptor struct {
	ID       ident.Identifier
	SiteCode string
	KeyHash  uint64
	Payload  []byte
}

// TransferDescriptor describes one double-entry transfer to create
type TransferDescriptor struct {
	ID              ident.Identifier
	DebitAccountID  ident.Identifier
	CreditAccountID ident.Identifier
	Amount          decimal.Decimal
	Currency        string
	SiteCode        string
	KeyHash         uint64
	Payload         []byte
}

// CreateFailure reports one failed item from a batched create call.
// Successful items are simply absent from the result.
type CreateFailure struct {
	// Index into the submitted batch
	Index int
	Code  FailureCode
	// Message is the ledger's human-readable rejection reason
	Message string
	// ExistingKeyHash is the business-key hash of the record the ledger
	// already holds under the same identifier, when it returned one.
	// Only meaningful for FailureAlreadyExists.
	ExistingKeyHash    uint64
	HasExistingKeyHash bool
}

// Client is the batched create/lookup contract the central ledger service
// exposes. Both create calls are idempotent on the 128-bit identifier:
// re-submitting an already-applied item yields FailureAlreadyExists.
type Client interface {
	CreateAccounts(ctx context.Context, accounts []AccountDescriptor) ([]CreateFailure, error)
	CreateTransfers(ctx context.Context, transfers []TransferDescriptor) ([]CreateFailure, error)

	// Ping is the lightweight liveness probe
	Ping(ctx context.Context) error
}

// HealthProbe reports whether connectivity to the ledger is currently
// judged healthy. The request path branches on it explicitly instead of
// treating network errors as control flow.
type HealthProbe interface {
	Healthy() bool
}

// BusinessKeyHash hashes a site-scoped business key for conflict detection.
// The same function runs on the ledger side, so equal hashes mean the
// buffered payload and the stored record describe the same business entity.
func BusinessKeyHash(siteCode, localKey string) uint64 {
	return xxhash.Sum64String(siteCode + "/" + localKey)
}
