package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/ledger"
	"github.com/rblinton/logistics-system/internal/domain/refindex"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/domain/site"
	"github.com/rblinton/logistics-system/internal/infrastructure/telemetry"
)

// maxOnlineRekeys bounds inline identifier-collision retries on the direct
// apply path before the operation falls back to the buffer
const maxOnlineRekeys = 3

// RecordResult reports how an operation was recorded
type RecordResult struct {
	// ID is the identifier the operation ended up under, after any
	// collision re-keying
	ID ident.Identifier
	// Buffered is true when the operation was enqueued instead of applied
	// directly against the ledger
	Buffered bool
	// Replaced is true when the reference index already held a mapping for
	// the business key and it was overwritten
	Replaced bool
}

// OperationService is the request-path entry point: it mints an identifier,
// records the business-key mapping, and applies the operation through the
// explicit two-path branch. Connectivity healthy means a direct ledger call
// with already-exists treated as success; unhealthy or a transport failure
// means a durable enqueue. Only validation problems and a full buffer
// surface synchronously.
type OperationService struct {
	allocator *ident.Allocator
	registry  *site.Registry
	index     refindex.Index
	repo      buffer.Repository
	client    ledger.Client
	probe     ledger.HealthProbe
	validate  *validator.Validate
	logger    *zap.Logger
	metrics   *telemetry.SyncMetrics
	// maxAttempts, when positive, overrides the default delivery-attempt
	// ceiling stamped on buffered operations
	maxAttempts int
}

// OperationServiceOption customizes an OperationService
type OperationServiceOption func(*OperationService)

// WithMaxAttempts overrides the delivery-attempt ceiling stamped on
// buffered operations
func WithMaxAttempts(n int) OperationServiceOption {
	return func(s *OperationService) {
		s.maxAttempts = n
	}
}

// NewOperationService creates an operation service
func NewOperationService(
	allocator *ident.Allocator,
	index refindex.Index,
	repo buffer.Repository,
	client ledger.Client,
	probe ledger.HealthProbe,
	logger *zap.Logger,
	metrics *telemetry.SyncMetrics,
	opts ...OperationServiceOption,
) *OperationService {
	s := &OperationService{
		allocator: allocator,
		registry:  allocator.Registry(),
		index:     index,
		repo:      repo,
		client:    client,
		probe:     probe,
		validate:  validator.New(),
		logger:    logger,
		metrics:   metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordLoadCreated opens the load's ledger account
func (s *OperationService) RecordLoadCreated(ctx context.Context, cmd LoadCreatedCommand) (*RecordResult, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidationFailed, err)
	}

	payload, err := json.Marshal(accountPayload{
		LoadNumber: cmd.LoadNumber,
		Customer:   cmd.Customer,
		Currency:   cmd.Currency,
		Origin:     cmd.Origin,
		Dest:       cmd.Dest,
	})
	if err != nil {
		return nil, err
	}

	return s.record(ctx, recording{
		kind:     buffer.KindAccountCreation,
		siteCode: cmd.SiteCode,
		localKey: cmd.LoadNumber,
		build: func(id ident.Identifier, keyHash uint64) ([]byte, applyFunc, error) {
			descriptor := ledger.AccountDescriptor{
				ID:       id,
				SiteCode: cmd.SiteCode,
				KeyHash:  keyHash,
				Payload:  payload,
			}
			raw, err := json.Marshal(descriptor)
			if err != nil {
				return nil, nil, err
			}
			apply := func(ctx context.Context) ([]ledger.CreateFailure, error) {
				return s.client.CreateAccounts(ctx, []ledger.AccountDescriptor{descriptor})
			}
			return raw, apply, nil
		},
	})
}

// RecordLoadAssigned books the carrier rate against the load
func (s *OperationService) RecordLoadAssigned(ctx context.Context, cmd LoadAssignedCommand) (*RecordResult, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidationFailed, err)
	}
	if err := requirePositive("rate", cmd.Rate); err != nil {
		return nil, err
	}

	loadID, err := s.resolveRef(ctx, cmd.SiteCode, cmd.LoadNumber)
	if err != nil {
		return nil, err
	}
	carrierID, err := s.resolveRef(ctx, cmd.SiteCode, cmd.CarrierAccountKey)
	if err != nil {
		return nil, err
	}

	return s.recordTransfer(ctx, transferRecording{
		siteCode: cmd.SiteCode,
		localKey: assignmentKey(cmd.LoadNumber),
		debit:    loadID,
		credit:   carrierID,
		amount:   cmd.Rate,
		currency: cmd.Currency,
	})
}

// RecordLoadCompleted settles the freight charge on delivery
func (s *OperationService) RecordLoadCompleted(ctx context.Context, cmd LoadCompletedCommand) (*RecordResult, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidationFailed, err)
	}
	if err := requirePositive("charge", cmd.Charge); err != nil {
		return nil, err
	}

	loadID, err := s.resolveRef(ctx, cmd.SiteCode, cmd.LoadNumber)
	if err != nil {
		return nil, err
	}
	customerID, err := s.resolveRef(ctx, cmd.SiteCode, cmd.CustomerAccountKey)
	if err != nil {
		return nil, err
	}

	return s.recordTransfer(ctx, transferRecording{
		siteCode: cmd.SiteCode,
		localKey: settlementKey(cmd.LoadNumber),
		debit:    customerID,
		credit:   loadID,
		amount:   cmd.Charge,
		currency: cmd.Currency,
	})
}

// ResolveReference looks up the identifier for a business key
func (s *OperationService) ResolveReference(ctx context.Context, siteCode, localKey string) (ident.Identifier, error) {
	return s.index.Resolve(ctx, siteCode, localKey)
}

// ReverseReference looks up the business key an identifier was recorded under
func (s *OperationService) ReverseReference(ctx context.Context, id ident.Identifier) (string, string, error) {
	return s.index.Reverse(ctx, id)
}

func (s *OperationService) resolveRef(ctx context.Context, siteCode, localKey string) (ident.Identifier, error) {
	id, err := s.index.Resolve(ctx, siteCode, localKey)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return ident.Identifier{}, fmt.Errorf("%w: unknown reference %s/%s",
				shared.ErrValidationFailed, siteCode, localKey)
		}
		return ident.Identifier{}, err
	}
	return id, nil
}

type transferRecording struct {
	siteCode string
	localKey string
	debit    ident.Identifier
	credit   ident.Identifier
	amount   decimal.Decimal
	currency string
}

func (s *OperationService) recordTransfer(ctx context.Context, tr transferRecording) (*RecordResult, error) {
	return s.record(ctx, recording{
		kind:     buffer.KindTransferCreation,
		siteCode: tr.siteCode,
		localKey: tr.localKey,
		build: func(id ident.Identifier, keyHash uint64) ([]byte, applyFunc, error) {
			descriptor := ledger.TransferDescriptor{
				ID:              id,
				DebitAccountID:  tr.debit,
				CreditAccountID: tr.credit,
				Amount:          tr.amount,
				Currency:        tr.currency,
				SiteCode:        tr.siteCode,
				KeyHash:         keyHash,
			}
			raw, err := json.Marshal(descriptor)
			if err != nil {
				return nil, nil, err
			}
			apply := func(ctx context.Context) ([]ledger.CreateFailure, error) {
				return s.client.CreateTransfers(ctx, []ledger.TransferDescriptor{descriptor})
			}
			return raw, apply, nil
		},
	})
}

type applyFunc func(ctx context.Context) ([]ledger.CreateFailure, error)

type recording struct {
	kind     buffer.OperationKind
	siteCode string
	localKey string
	// build produces the serialized descriptor and the direct-apply call
	// for the identifier currently assigned to the operation
	build func(id ident.Identifier, keyHash uint64) ([]byte, applyFunc, error)
}

// record is the shared mint -> index -> two-path apply flow. Unregistered
// site codes are rejected here rather than degraded to the sentinel tag:
// identifiers minted by two misconfigured sites would silently collide.
func (s *OperationService) record(ctx context.Context, rec recording) (*RecordResult, error) {
	if !s.registry.Contains(rec.siteCode) {
		return nil, shared.ErrUnknownSite
	}

	keyHash := ledger.BusinessKeyHash(rec.siteCode, rec.localKey)
	id := s.allocator.Allocate(rec.siteCode)

	replaced, err := s.index.Put(ctx, rec.siteCode, rec.localKey, id)
	if err != nil {
		return nil, err
	}
	if replaced {
		s.logger.Warn("reference mapping overwritten",
			zap.String("site_code", rec.siteCode),
			zap.String("local_key", rec.localKey),
			zap.String("id", id.String()),
		)
	}

	result := &RecordResult{ID: id, Replaced: replaced}

	if s.probe.Healthy() {
		applied, finalID, err := s.applyOnline(ctx, rec, id, keyHash)
		if err != nil {
			return nil, err
		}
		if applied {
			result.ID = finalID
			s.metrics.RecordAppliedOnline(ctx, rec.siteCode)
			return result, nil
		}
		// transport failure mid-call: outcome unknown, fall back to the
		// buffer; replay resolves through the already-exists path
	}

	if err := s.enqueue(ctx, rec, id, keyHash); err != nil {
		return nil, err
	}
	result.Buffered = true
	s.metrics.RecordBuffered(ctx, rec.siteCode)
	return result, nil
}

// applyOnline attempts the direct ledger call, re-keying inline on
// identifier collisions. It reports applied=false (with no error) when the
// ledger was unreachable and the operation should be buffered instead.
func (s *OperationService) applyOnline(ctx context.Context, rec recording, id ident.Identifier, keyHash uint64) (bool, ident.Identifier, error) {
	for attempt := 0; attempt <= maxOnlineRekeys; attempt++ {
		_, apply, err := rec.build(id, keyHash)
		if err != nil {
			return false, id, err
		}

		failures, err := apply(ctx)
		if err != nil {
			s.logger.Warn("direct ledger apply failed, buffering",
				zap.String("site_code", rec.siteCode),
				zap.String("local_key", rec.localKey),
				zap.Error(err),
			)
			return false, id, nil
		}
		if len(failures) == 0 {
			return true, id, nil
		}

		failure := failures[0]
		switch failure.Code {
		case ledger.FailureAlreadyExists:
			if failure.HasExistingKeyHash && failure.ExistingKeyHash != keyHash {
				// identifier collision with a different business entity:
				// mint a fresh identifier and repoint the reference
				id = s.allocator.Allocate(rec.siteCode)
				if _, err := s.index.Put(ctx, rec.siteCode, rec.localKey, id); err != nil {
					return false, id, err
				}
				s.logger.Warn("identifier collision on direct apply, re-keyed",
					zap.String("site_code", rec.siteCode),
					zap.String("local_key", rec.localKey),
					zap.String("new_id", id.String()),
				)
				continue
			}
			// same entity already applied: idempotent success
			return true, id, nil

		case ledger.FailureValidation:
			return false, id, fmt.Errorf("%w: %s", shared.ErrValidationFailed, failure.Message)

		case ledger.FailureBusinessRule:
			return false, id, shared.NewDomainError("BUSINESS_RULE_FAILED", failure.Message)

		default:
			return false, id, shared.NewDomainError("LEDGER_REJECTED", failure.Message)
		}
	}
	return false, id, shared.NewDomainError("IDENTIFIER_COLLISION",
		"identifier collision persisted across re-key attempts")
}

func (s *OperationService) enqueue(ctx context.Context, rec recording, id ident.Identifier, keyHash uint64) error {
	raw, _, err := rec.build(id, keyHash)
	if err != nil {
		return err
	}

	tag, ok := s.registry.TagFor(rec.siteCode)
	if !ok {
		tag = site.UnknownTag
	}
	op := buffer.NewBufferedOperation(id, rec.kind, rec.siteCode, tag, keyHash, raw)
	if s.maxAttempts > 0 {
		op.MaxAttempts = s.maxAttempts
	}
	if err := s.repo.Enqueue(ctx, op); err != nil {
		if errors.Is(err, shared.ErrCapacityExceeded) {
			return err
		}
		return fmt.Errorf("enqueue operation: %w", err)
	}

	s.logger.Info("operation buffered",
		zap.String("site_code", rec.siteCode),
		zap.String("local_key", rec.localKey),
		zap.String("kind", string(rec.kind)),
		zap.String("id", id.String()),
	)
	return nil
}
