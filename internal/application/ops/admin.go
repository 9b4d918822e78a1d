package ops

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
)

// Notifier wakes the sync engine after operator actions that create new
// pending work
type Notifier interface {
	Notify()
}

// BufferStats is the operator view of buffer health
type BufferStats struct {
	ByStatus      map[buffer.Status]int64 `json:"by_status"`
	PendingBySite map[string]int64        `json:"pending_by_site"`
}

// FailedOperationView is one frozen operation in operator listings
type FailedOperationView struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	SiteCode      string     `json:"site_code"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `json:"last_error"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FailedPage is a page of frozen operations, newest first
type FailedPage struct {
	Items    []FailedOperationView `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// BufferAdminService exposes the operator surface over the operation
// buffer: health stats, frozen-operation listings, and manual retry.
// Frozen operations are never purged automatically; retry is always an
// explicit operator decision.
type BufferAdminService struct {
	repo     buffer.Repository
	notifier Notifier
	logger   *zap.Logger
}

// NewBufferAdminService creates a buffer admin service. notifier may be nil
// when no engine wake-up is wired.
func NewBufferAdminService(repo buffer.Repository, notifier Notifier, logger *zap.Logger) *BufferAdminService {
	return &BufferAdminService{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// Stats returns operation counts by status and pending depth per site
func (s *BufferAdminService) Stats(ctx context.Context) (*BufferStats, error) {
	byStatus, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	sites, err := s.repo.SitesWithPending(ctx)
	if err != nil {
		return nil, err
	}
	perSite := make(map[string]int64, len(sites))
	for _, code := range sites {
		n, err := s.repo.CountPendingBySite(ctx, code)
		if err != nil {
			return nil, err
		}
		perSite[code] = n
	}

	return &BufferStats{ByStatus: byStatus, PendingBySite: perSite}, nil
}

// ListFailed returns a page of frozen operations, newest first
func (s *BufferAdminService) ListFailed(ctx context.Context, page, pageSize int) (*FailedPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	ops, total, err := s.repo.FindFailed(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}

	items := make([]FailedOperationView, 0, len(ops))
	for _, op := range ops {
		items = append(items, toFailedView(op))
	}
	return &FailedPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// RetryFailed returns one frozen operation to the pending queue.
// Fails with buffer.ErrNotRetryable when the operation is not Failed.
func (s *BufferAdminService) RetryFailed(ctx context.Context, id ident.Identifier) error {
	op, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := op.ResetForRetry(); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, op); err != nil {
		return err
	}

	s.logger.Info("frozen operation returned to queue",
		zap.String("operation_id", id.String()),
		zap.String("site_code", op.SiteCode),
	)
	s.wake()
	return nil
}

// RetryAllFailed returns every frozen operation to the pending queue and
// reports how many were reset
func (s *BufferAdminService) RetryAllFailed(ctx context.Context) (int, error) {
	reset := 0
	for {
		// always page 1: each pass drains the front of the frozen list
		ops, _, err := s.repo.FindFailed(ctx, 1, 100)
		if err != nil {
			return reset, err
		}
		if len(ops) == 0 {
			break
		}
		progressed := false
		for _, op := range ops {
			if err := op.ResetForRetry(); err != nil {
				continue
			}
			if err := s.repo.Update(ctx, op); err != nil {
				return reset, err
			}
			reset++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if reset > 0 {
		s.logger.Info("frozen operations returned to queue", zap.Int("count", reset))
		s.wake()
	}
	return reset, nil
}

func (s *BufferAdminService) wake() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

func toFailedView(op *buffer.BufferedOperation) FailedOperationView {
	return FailedOperationView{
		ID:            op.ID.String(),
		Kind:          string(op.Kind),
		SiteCode:      op.SiteCode,
		AttemptCount:  op.AttemptCount,
		MaxAttempts:   op.MaxAttempts,
		LastError:     op.LastError,
		LastAttemptAt: op.LastAttemptAt,
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
	}
}
