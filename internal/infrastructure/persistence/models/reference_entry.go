package models

import (
	"time"

	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/refindex"
)

// ReferenceEntryModel is the persistence model for the reference index.
// (site_code, local_key) is the primary key; the identifier column carries
// a unique index for reverse lookups.
type ReferenceEntryModel struct {
	SiteCode  string    `gorm:"type:varchar(16);primaryKey"`
	LocalKey  string    `gorm:"type:varchar(64);primaryKey"`
	ID        string    `gorm:"column:identifier;type:char(32);not null;uniqueIndex:idx_reference_identifier"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

// TableName returns the table name for GORM
func (ReferenceEntryModel) TableName() string {
	return "reference_entries"
}

// ToDomain converts the persistence model to a domain ReferenceEntry
func (m *ReferenceEntryModel) ToDomain() (*refindex.ReferenceEntry, error) {
	id, err := ident.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	return &refindex.ReferenceEntry{
		SiteCode:  m.SiteCode,
		LocalKey:  m.LocalKey,
		ID:        id,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
