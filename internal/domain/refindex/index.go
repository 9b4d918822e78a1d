package refindex

import (
	"context"
	"time"

	"github.com/rblinton/logistics-system/internal/domain/ident"
)

// ReferenceEntry maps a site-scoped human business key (site code plus the
// site's local number) to an allocated identifier. (siteCode, localKey) is
// unique; Put replaces the mapped identifier last-write-wins.
type ReferenceEntry struct {
	SiteCode  string
	LocalKey  string
	ID        ident.Identifier
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Index is the durable bidirectional business-key-to-identifier map
type Index interface {
	// Put upserts the mapping. It reports whether an existing mapping for
	// the same (siteCode, localKey) was replaced, so the overwrite can be
	// made visible to operators rather than silent.
	Put(ctx context.Context, siteCode, localKey string, id ident.Identifier) (replaced bool, err error)

	// Resolve returns the identifier mapped to a business key.
	// Fails with shared.ErrNotFound when absent.
	Resolve(ctx context.Context, siteCode, localKey string) (ident.Identifier, error)

	// Reverse returns the business key an identifier was recorded under.
	// Fails with shared.ErrNotFound when absent.
	Reverse(ctx context.Context, id ident.Identifier) (siteCode, localKey string, err error)
}
