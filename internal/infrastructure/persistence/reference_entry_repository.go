package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/refindex"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/infrastructure/persistence/models"
)

// GormReferenceEntryRepository implements refindex.Index using GORM
type GormReferenceEntryRepository struct {
	db *gorm.DB
}

// NewGormReferenceEntryRepository creates a new GORM-based reference index
func NewGormReferenceEntryRepository(db *gorm.DB) *GormReferenceEntryRepository {
	return &GormReferenceEntryRepository{db: db}
}

// Put upserts the (siteCode, localKey) -> identifier mapping, last write
// wins. It reports whether an existing mapping was overwritten.
func (r *GormReferenceEntryRepository) Put(ctx context.Context, siteCode, localKey string, id ident.Identifier) (bool, error) {
	replaced := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ReferenceEntryModel
		err := tx.Where("site_code = ? AND local_key = ?", siteCode, localKey).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&models.ReferenceEntryModel{
				SiteCode:  siteCode,
				LocalKey:  localKey,
				ID:        id.String(),
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}).Error
		case err != nil:
			return err
		}

		replaced = true
		return tx.Model(&models.ReferenceEntryModel{}).
			Where("site_code = ? AND local_key = ?", siteCode, localKey).
			Updates(map[string]interface{}{
				"identifier": id.String(),
				"updated_at": time.Now(),
			}).Error
	})
	return replaced, err
}

// Resolve returns the identifier mapped to a business key
func (r *GormReferenceEntryRepository) Resolve(ctx context.Context, siteCode, localKey string) (ident.Identifier, error) {
	var model models.ReferenceEntryModel
	err := r.db.WithContext(ctx).
		Where("site_code = ? AND local_key = ?", siteCode, localKey).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ident.Identifier{}, shared.ErrNotFound
		}
		return ident.Identifier{}, err
	}
	return ident.Parse(model.ID)
}

// Reverse returns the business key an identifier was recorded under
func (r *GormReferenceEntryRepository) Reverse(ctx context.Context, id ident.Identifier) (string, string, error) {
	var model models.ReferenceEntryModel
	err := r.db.WithContext(ctx).
		Where("identifier = ?", id.String()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", shared.ErrNotFound
		}
		return "", "", err
	}
	return model.SiteCode, model.LocalKey, nil
}

// Ensure GormReferenceEntryRepository implements refindex.Index
var _ refindex.Index = (*GormReferenceEntryRepository)(nil)
