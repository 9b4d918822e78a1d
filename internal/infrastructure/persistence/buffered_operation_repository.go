package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"

	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/infrastructure/persistence/models"
)

// GormBufferedOperationRepository implements buffer.Repository using GORM
type GormBufferedOperationRepository struct {
	db *gorm.DB
	// perSiteCapacity is the Pending ceiling per site; 0 means unbounded
	perSiteCapacity int64
}

// NewGormBufferedOperationRepository creates a new GORM-based buffer repository
func NewGormBufferedOperationRepository(db *gorm.DB, perSiteCapacity int64) *GormBufferedOperationRepository {
	return &GormBufferedOperationRepository{db: db, perSiteCapacity: perSiteCapacity}
}

// Enqueue durably appends a pending operation, enforcing the per-site
// Pending ceiling inside one transaction
func (r *GormBufferedOperationRepository) Enqueue(ctx context.Context, op *buffer.BufferedOperation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.perSiteCapacity > 0 {
			// Under READ COMMITTED two concurrent enqueues for one site
			// would each count the other's uncommitted insert as absent and
			// both pass the ceiling check. A transaction-scoped advisory
			// lock keyed on the site code serializes the check per site.
			// SQLite serializes writers on its own.
			if tx.Dialector.Name() == "postgres" {
				key := int64(xxhash.Sum64String("buffer_enqueue:" + op.SiteCode))
				if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
					return err
				}
			}
			var pending int64
			if err := tx.Model(&models.BufferedOperationModel{}).
				Where("site_code = ? AND status = ?", op.SiteCode, string(buffer.StatusPending)).
				Count(&pending).Error; err != nil {
				return err
			}
			if pending >= r.perSiteCapacity {
				return shared.ErrCapacityExceeded
			}
		}

		model := models.BufferedOperationModelFromDomain(op)
		// let the database assign the drain sequence
		model.Sequence = 0
		if err := tx.Omit("sequence").Create(model).Error; err != nil {
			return err
		}
		op.Sequence = uint64(model.Sequence)
		return nil
	})
}

// PendingBySite returns the site's pending operations in drain order
func (r *GormBufferedOperationRepository) PendingBySite(ctx context.Context, siteCode string) ([]*buffer.BufferedOperation, error) {
	var rows []models.BufferedOperationModel
	err := r.db.WithContext(ctx).
		Where("site_code = ? AND status = ?", siteCode, string(buffer.StatusPending)).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainOperations(rows)
}

// SitesWithPending lists site codes that currently have pending work
func (r *GormBufferedOperationRepository) SitesWithPending(ctx context.Context) ([]string, error) {
	var codes []string
	err := r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Where("status = ?", string(buffer.StatusPending)).
		Distinct("site_code").
		Order("site_code ASC").
		Pluck("site_code", &codes).Error
	return codes, err
}

// FindByID retrieves a single operation by identifier
func (r *GormBufferedOperationRepository) FindByID(ctx context.Context, id ident.Identifier) (*buffer.BufferedOperation, error) {
	var model models.BufferedOperationModel
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain()
}

// MarkSynced transitions a pending operation to Synced. Already terminal
// operations are left untouched.
func (r *GormBufferedOperationRepository) MarkSynced(ctx context.Context, id ident.Identifier) error {
	return r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Where("id = ? AND status = ?", id.String(), string(buffer.StatusPending)).
		Updates(map[string]interface{}{
			"status":     string(buffer.StatusSynced),
			"updated_at": time.Now(),
		}).Error
}

// MarkFailed freezes a pending operation as Failed with the given reason.
// Already terminal operations are left untouched.
func (r *GormBufferedOperationRepository) MarkFailed(ctx context.Context, id ident.Identifier, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Where("id = ? AND status = ?", id.String(), string(buffer.StatusPending)).
		Updates(map[string]interface{}{
			"status":     string(buffer.StatusFailed),
			"last_error": reason,
			"updated_at": time.Now(),
		}).Error
}

// IncrementAttempt records one delivery attempt against a pending operation
func (r *GormBufferedOperationRepository) IncrementAttempt(ctx context.Context, id ident.Identifier, attemptErr string) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Where("id = ? AND status = ?", id.String(), string(buffer.StatusPending)).
		Updates(map[string]interface{}{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      attemptErr,
			"last_attempt_at": now,
			"updated_at":      now,
		}).Error
}

// Requeue atomically re-keys an operation and moves it to the back of its
// site's queue by re-inserting it under a fresh sequence
func (r *GormBufferedOperationRepository) Requeue(ctx context.Context, oldID, newID ident.Identifier) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model models.BufferedOperationModel
		if err := tx.Where("id = ?", oldID.String()).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return shared.ErrNotFound
			}
			return err
		}

		if err := tx.Delete(&models.BufferedOperationModel{}, "id = ?", oldID.String()).Error; err != nil {
			return err
		}

		model.ID = newID.String()
		model.LastError = ""
		model.Sequence = 0
		model.UpdatedAt = time.Now()
		return tx.Omit("sequence").Create(&model).Error
	})
}

// Update persists entity-level changes such as operator retry resets
func (r *GormBufferedOperationRepository) Update(ctx context.Context, op *buffer.BufferedOperation) error {
	op.UpdatedAt = time.Now()
	model := models.BufferedOperationModelFromDomain(op)
	return r.db.WithContext(ctx).Save(model).Error
}

// FindFailed retrieves frozen operations with pagination, newest first
func (r *GormBufferedOperationRepository) FindFailed(ctx context.Context, page, pageSize int) ([]*buffer.BufferedOperation, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Where("status = ?", string(buffer.StatusFailed)).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.BufferedOperationModel
	offset := (page - 1) * pageSize
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(buffer.StatusFailed)).
		Order("updated_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	ops, err := toDomainOperations(rows)
	if err != nil {
		return nil, 0, err
	}
	return ops, total, nil
}

// CountPendingBySite returns the current Pending depth for a site
func (r *GormBufferedOperationRepository) CountPendingBySite(ctx context.Context, siteCode string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Where("site_code = ? AND status = ?", siteCode, string(buffer.StatusPending)).
		Count(&n).Error
	return n, err
}

// CountByStatus returns operation counts per status
func (r *GormBufferedOperationRepository) CountByStatus(ctx context.Context) (map[buffer.Status]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&models.BufferedOperationModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[buffer.Status]int64)
	for _, row := range results {
		counts[buffer.Status(row.Status)] = row.Count
	}
	return counts, nil
}

func toDomainOperations(rows []models.BufferedOperationModel) ([]*buffer.BufferedOperation, error) {
	ops := make([]*buffer.BufferedOperation, 0, len(rows))
	for i := range rows {
		op, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Ensure GormBufferedOperationRepository implements buffer.Repository
var _ buffer.Repository = (*GormBufferedOperationRepository)(nil)
