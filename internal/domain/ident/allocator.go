package ident

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/site"
)

// Allocator mints site-scoped identifiers. It owns one atomic counter per
// site tag so allocation for different sites never contends on a shared
// lock. Counters start over after a process restart; callers use the
// identifiers as opaque keys, never for cross-restart ordering.
type Allocator struct {
	registry *site.Registry
	logger   *zap.Logger

	// one cell per possible tag value, indexed by site.Tag
	counters [256]atomic.Uint64

	// clock is swappable for tests
	clock func() time.Time
}

// NewAllocator creates an allocator backed by the given site registry
func NewAllocator(registry *site.Registry, logger *zap.Logger) *Allocator {
	return &Allocator{
		registry: registry,
		logger:   logger,
		clock:    time.Now,
	}
}

// Allocate mints a fresh identifier for the given site code. Allocation
// never fails: an unregistered code degrades to the sentinel tag, which is
// logged because identifiers from two unregistered sites can collide.
func (a *Allocator) Allocate(siteCode string) Identifier {
	tag, ok := a.registry.TagFor(siteCode)
	if !ok {
		tag = site.UnknownTag
		a.logger.Warn("allocating identifier for unregistered site code",
			zap.String("site_code", siteCode),
		)
	}

	millis := a.clock().UnixMilli()
	counter := a.counters[tag].Add(1)
	return Pack(tag, millis, counter)
}

// Format renders an identifier for diagnostics using the allocator's registry
func (a *Allocator) Format(id Identifier) string {
	return id.FormatIn(a.registry)
}

// Registry exposes the site registry the allocator was built with
func (a *Allocator) Registry() *site.Registry {
	return a.registry
}
