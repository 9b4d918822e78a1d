package models

import (
	"time"

	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/site"
)

// BufferedOperationModel is the persistence model for the operation buffer.
// The identifier is stored as its 32-character hex rendering; the business
// key hash keeps its 64 bits through a signed-bits cast.
type BufferedOperationModel struct {
	ID            string `gorm:"type:char(32);primaryKey"`
	Kind          string `gorm:"type:varchar(32);not null"`
	SiteCode      string `gorm:"type:varchar(16);not null;index:idx_buffered_site_status,priority:1"`
	SiteTag       uint8  `gorm:"not null"`
	KeyHash       int64  `gorm:"not null"`
	Payload       []byte `gorm:"type:jsonb;not null"`
	Status        string `gorm:"type:varchar(16);not null;default:'PENDING';index:idx_buffered_site_status,priority:2;index:idx_buffered_status_updated,priority:1"`
	AttemptCount  int    `gorm:"default:0"`
	MaxAttempts   int    `gorm:"default:5"`
	LastError     string `gorm:"type:text"`
	LastAttemptAt *time.Time
	// Sequence is the durable drain order within a site, assigned by the
	// database on insert
	Sequence  int64     `gorm:"autoIncrement;uniqueIndex:idx_buffered_sequence"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now();index:idx_buffered_status_updated,priority:2"`
}

// TableName returns the table name for GORM
func (BufferedOperationModel) TableName() string {
	return "buffered_operations"
}

// ToDomain converts the persistence model to a domain BufferedOperation
func (m *BufferedOperationModel) ToDomain() (*buffer.BufferedOperation, error) {
	id, err := ident.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	return &buffer.BufferedOperation{
		ID:            id,
		Kind:          buffer.OperationKind(m.Kind),
		SiteCode:      m.SiteCode,
		SiteTag:       site.Tag(m.SiteTag),
		KeyHash:       uint64(m.KeyHash),
		Payload:       m.Payload,
		Status:        buffer.Status(m.Status),
		AttemptCount:  m.AttemptCount,
		MaxAttempts:   m.MaxAttempts,
		LastError:     m.LastError,
		LastAttemptAt: m.LastAttemptAt,
		Sequence:      uint64(m.Sequence),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

// FromDomain populates the persistence model from a domain BufferedOperation
func (m *BufferedOperationModel) FromDomain(op *buffer.BufferedOperation) {
	m.ID = op.ID.String()
	m.Kind = string(op.Kind)
	m.SiteCode = op.SiteCode
	m.SiteTag = uint8(op.SiteTag)
	m.KeyHash = int64(op.KeyHash)
	m.Payload = op.Payload
	m.Status = string(op.Status)
	m.AttemptCount = op.AttemptCount
	m.MaxAttempts = op.MaxAttempts
	m.LastError = op.LastError
	m.LastAttemptAt = op.LastAttemptAt
	m.Sequence = int64(op.Sequence)
	m.CreatedAt = op.CreatedAt
	m.UpdatedAt = op.UpdatedAt
}

// BufferedOperationModelFromDomain creates a new persistence model from a
// domain BufferedOperation
func BufferedOperationModelFromDomain(op *buffer.BufferedOperation) *BufferedOperationModel {
	m := &BufferedOperationModel{}
	m.FromDomain(op)
	return m
}
