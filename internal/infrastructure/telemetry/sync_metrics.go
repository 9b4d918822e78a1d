package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics tracks the health of the operation buffer and the drain
// loops: how many operations were applied online, buffered, synced,
// re-keyed after identifier collisions, or frozen for operators.
type SyncMetrics struct {
	appliedOnline *Counter
	buffered      *Counter
	synced        *Counter
	requeued      *Counter
	frozen        *Counter
	pendingDepth  *Gauge
}

// NewSyncMetrics creates the buffer/drain metric instruments
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	m := &SyncMetrics{}

	var err error
	if m.appliedOnline, err = NewCounter(meter,
		"ledger_operations_applied_online_total",
		"Operations applied directly to the ledger without buffering",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.buffered, err = NewCounter(meter,
		"ledger_operations_buffered_total",
		"Operations enqueued to the durable buffer",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.synced, err = NewCounter(meter,
		"ledger_operations_synced_total",
		"Buffered operations successfully drained to the ledger",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.requeued, err = NewCounter(meter,
		"ledger_operations_requeued_total",
		"Operations re-keyed and re-enqueued after identifier collisions",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.frozen, err = NewCounter(meter,
		"ledger_operations_frozen_total",
		"Operations frozen as failed, requiring operator action",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.pendingDepth, err = NewGauge(meter,
		"ledger_buffer_pending_depth",
		"Current number of pending operations per site",
		"{operations}"); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAppliedOnline counts a direct online apply. Nil-safe so callers can
// run without metrics wired.
func (m *SyncMetrics) RecordAppliedOnline(ctx context.Context, siteCode string) {
	if m == nil {
		return
	}
	m.appliedOnline.Inc(ctx, AttrSiteCode.String(siteCode))
}

// RecordBuffered counts an enqueue into the durable buffer
func (m *SyncMetrics) RecordBuffered(ctx context.Context, siteCode string) {
	if m == nil {
		return
	}
	m.buffered.Inc(ctx, AttrSiteCode.String(siteCode))
}

// RecordSynced counts a drained operation
func (m *SyncMetrics) RecordSynced(ctx context.Context, siteCode string) {
	if m == nil {
		return
	}
	m.synced.Inc(ctx, AttrSiteCode.String(siteCode))
}

// RecordRequeued counts an identifier-collision re-enqueue
func (m *SyncMetrics) RecordRequeued(ctx context.Context, siteCode string) {
	if m == nil {
		return
	}
	m.requeued.Inc(ctx, AttrSiteCode.String(siteCode))
}

// RecordFrozen counts an operation frozen as failed
func (m *SyncMetrics) RecordFrozen(ctx context.Context, siteCode string) {
	if m == nil {
		return
	}
	m.frozen.Inc(ctx, AttrSiteCode.String(siteCode))
}

// RecordPendingDepth records the current pending depth for a site
func (m *SyncMetrics) RecordPendingDepth(ctx context.Context, siteCode string, depth int64) {
	if m == nil {
		return
	}
	m.pendingDepth.Record(ctx, depth, AttrSiteCode.String(siteCode))
}
