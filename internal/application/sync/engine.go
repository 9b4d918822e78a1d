package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/ledger"
	"github.com/rblinton/logistics-system/internal/domain/site"
	"github.com/rblinton/logistics-system/internal/infrastructure/telemetry"
)

// SiteState is the drain state machine position for one site
type SiteState string

const (
	StateIdle        SiteState = "IDLE"
	StateDraining    SiteState = "DRAINING"
	StateBackoffWait SiteState = "BACKOFF_WAIT"
)

// EngineConfig holds sync engine configuration
type EngineConfig struct {
	// PollInterval is how often each site loop re-evaluates its backlog
	PollInterval time.Duration
	// BackoffBase is the first wait after a halted drain; it doubles per
	// consecutive halt up to BackoffMax
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DrainTimeout bounds each individual ledger call
	DrainTimeout time.Duration
}

// DefaultEngineConfig returns default configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval: 5 * time.Second,
		BackoffBase:  time.Second,
		BackoffMax:   5 * time.Minute,
		DrainTimeout: 30 * time.Second,
	}
}

// Validate validates the configuration
func (c *EngineConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("sync: poll interval must be positive")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("sync: backoff base must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync: backoff ceiling below base")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("sync: drain timeout must be positive")
	}
	return nil
}

// errNotReplayable marks operations whose payload can never be submitted
// (corrupt or of an unsupported kind); they are frozen, not retried.
var errNotReplayable = errors.New("operation cannot be replayed")

// Engine drains the operation buffer toward the ledger. Each site runs its
// own loop so one site's backlog or backoff never stalls another. Within a
// site, operations are applied strictly in buffer order: an escalated
// rejection halts that site's drain to preserve causal ordering.
//
// The engine never blocks whoever enqueued an operation; it is driven by a
// poll ticker and by Notify, the connectivity-restored signal from the
// health probe.
type Engine struct {
	repo      buffer.Repository
	client    ledger.Client
	probe     ledger.HealthProbe
	allocator *ident.Allocator
	registry  *site.Registry
	config    EngineConfig
	logger    *zap.Logger
	metrics   *telemetry.SyncMetrics

	mu      sync.Mutex
	running bool
	states  map[string]SiteState
	wakeups map[string]chan struct{}

	cancel  context.CancelFunc
	loopCtx context.Context
	wg      sync.WaitGroup
}

// NewEngine creates a sync engine
func NewEngine(
	repo buffer.Repository,
	client ledger.Client,
	probe ledger.HealthProbe,
	allocator *ident.Allocator,
	config EngineConfig,
	logger *zap.Logger,
	metrics *telemetry.SyncMetrics,
) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		repo:      repo,
		client:    client,
		probe:     probe,
		allocator: allocator,
		registry:  allocator.Registry(),
		config:    config,
		logger:    logger,
		metrics:   metrics,
		states:    make(map[string]SiteState),
		wakeups:   make(map[string]chan struct{}),
	}, nil
}

// Start launches one drain loop per registered site plus a discovery loop
// that picks up buffered work for site codes outside the registry
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopCtx = ctx
	e.mu.Unlock()

	for _, code := range e.registry.Codes() {
		e.ensureSiteLoop(code)
	}

	e.wg.Add(1)
	go e.discoveryLoop(ctx)

	e.logger.Info("sync engine started",
		zap.Int("sites", len(e.registry.Codes())),
		zap.Duration("poll_interval", e.config.PollInterval),
		zap.Duration("backoff_max", e.config.BackoffMax),
	)
	return nil
}

// Stop gracefully stops all drain loops
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("sync engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("sync engine stop timed out")
		return ctx.Err()
	}
}

// Notify wakes every site loop immediately, typically because the health
// probe judged connectivity restored
func (e *Engine) Notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.wakeups {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SiteStates returns a snapshot of each site's drain state
func (e *Engine) SiteStates() map[string]SiteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]SiteState, len(e.states))
	for code, st := range e.states {
		out[code] = st
	}
	return out
}

// ensureSiteLoop starts a loop for the site if one is not running yet
func (e *Engine) ensureSiteLoop(siteCode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if _, ok := e.wakeups[siteCode]; ok {
		return
	}
	ch := make(chan struct{}, 1)
	e.wakeups[siteCode] = ch
	e.states[siteCode] = StateIdle

	e.wg.Add(1)
	go e.siteLoop(e.loopCtx, siteCode, ch)
}

// discoveryLoop watches for buffered work under site codes that have no
// loop yet, such as operations recorded against the sentinel tag
func (e *Engine) discoveryLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			codes, err := e.repo.SitesWithPending(ctx)
			if err != nil {
				e.logger.Error("failed to list sites with pending operations", zap.Error(err))
				continue
			}
			for _, code := range codes {
				e.ensureSiteLoop(code)
			}
		}
	}
}

func (e *Engine) setState(siteCode string, st SiteState) {
	e.mu.Lock()
	e.states[siteCode] = st
	e.mu.Unlock()
}

// siteLoop is the per-site drain state machine:
// Idle -> Draining -> (Idle | BackoffWait)
func (e *Engine) siteLoop(ctx context.Context, siteCode string, wake <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	backoff := e.config.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		if !e.probe.Healthy() {
			continue
		}

		e.setState(siteCode, StateDraining)
		outcome := e.drainSite(ctx, siteCode)

		switch outcome {
		case drainHalted:
			e.setState(siteCode, StateBackoffWait)
			e.logger.Debug("site drain halted, backing off",
				zap.String("site_code", siteCode),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
			e.setState(siteCode, StateIdle)
		default:
			backoff = e.config.BackoffBase
			e.setState(siteCode, StateIdle)
		}
	}
}

type drainOutcome int

const (
	// drainIdle means there was nothing to drain
	drainIdle drainOutcome = iota
	// drainCompleted means the whole backlog was applied
	drainCompleted
	// drainHalted means the cycle stopped early: transient failure,
	// escalated rejection or cancellation
	drainHalted
)

// drainSite replays the site's pending operations in insertion order. It
// keeps fetching the queue until it is empty so operations re-keyed to the
// back of the queue mid-cycle still drain in the same cycle. A pass that
// syncs nothing stops the cycle; the next tick picks up whatever remains.
func (e *Engine) drainSite(ctx context.Context, siteCode string) drainOutcome {
	cycleID := uuid.New()
	total := 0

	for {
		ops, err := e.repo.PendingBySite(ctx, siteCode)
		if err != nil {
			e.logger.Error("failed to load pending operations",
				zap.String("site_code", siteCode),
				zap.Error(err),
			)
			return drainHalted
		}
		if len(ops) == 0 {
			if total == 0 {
				return drainIdle
			}
			e.logger.Info("site drained",
				zap.String("cycle_id", cycleID.String()),
				zap.String("site_code", siteCode),
				zap.Int("applied", total),
			)
			return drainCompleted
		}

		e.metrics.RecordPendingDepth(ctx, siteCode, int64(len(ops)))
		e.logger.Info("draining site",
			zap.String("cycle_id", cycleID.String()),
			zap.String("site_code", siteCode),
			zap.Int("pending", len(ops)),
		)

		synced := 0
		for _, op := range ops {
			select {
			case <-ctx.Done():
				return drainHalted
			default:
			}

			before := op.Status
			if !e.applyOne(ctx, siteCode, op) {
				return drainHalted
			}
			if before != buffer.StatusSynced && op.Status == buffer.StatusSynced {
				synced++
				total++
			}
		}

		if synced == 0 {
			return drainCompleted
		}
	}
}

// applyOne submits a single operation and persists the outcome. It returns
// false when the site's drain must halt: either the ledger was unreachable
// or the operation escalated, and skipping ahead could violate the causal
// order later operations depend on.
func (e *Engine) applyOne(ctx context.Context, siteCode string, op *buffer.BufferedOperation) bool {
	callCtx, cancel := context.WithTimeout(ctx, e.config.DrainTimeout)
	failures, err := e.submit(callCtx, op)
	cancel()

	if errors.Is(err, errNotReplayable) {
		e.freeze(ctx, op, err.Error())
		return false
	}
	if err != nil {
		// Transport failure or timeout: the outcome is unknown. The
		// operation is only ever retried through the idempotent
		// already-exists path, never blindly re-applied as new work.
		if ierr := e.repo.IncrementAttempt(ctx, op.ID, err.Error()); ierr != nil {
			e.logger.Error("failed to record attempt",
				zap.String("operation_id", op.ID.String()),
				zap.Error(ierr),
			)
			return false
		}
		fresh, ferr := e.repo.FindByID(ctx, op.ID)
		if ferr == nil && fresh.Exhausted() {
			e.freeze(ctx, fresh, "attempt ceiling reached: "+err.Error())
		}
		return false
	}

	if len(failures) == 0 {
		return e.finish(ctx, siteCode, op)
	}

	failure := failures[0]
	action := Resolve(op, failure)
	e.logger.Debug("ledger rejected operation",
		zap.String("operation_id", op.ID.String()),
		zap.String("failure_code", string(failure.Code)),
		zap.String("resolution", string(action)),
	)

	switch action {
	case ActionIgnore:
		// already applied on the ledger side
		return e.finish(ctx, siteCode, op)

	case ActionRetryWithNewIdentifier:
		oldID := op.ID
		replacement := e.allocator.Allocate(op.SiteCode)
		if err := e.repo.Requeue(ctx, oldID, replacement); err != nil {
			e.logger.Error("failed to requeue collided operation",
				zap.String("operation_id", oldID.String()),
				zap.Error(err),
			)
			return false
		}
		op.Rekey(replacement)
		e.metrics.RecordRequeued(ctx, siteCode)
		e.logger.Warn("identifier collision, operation re-keyed",
			zap.String("old_id", oldID.String()),
			zap.String("new_id", replacement.String()),
			zap.String("site_code", siteCode),
		)
		return true

	default: // ActionEscalate
		e.freeze(ctx, op, fmt.Sprintf("%s: %s", failure.Code, failure.Message))
		return false
	}
}

// finish marks an operation synced and counts it
func (e *Engine) finish(ctx context.Context, siteCode string, op *buffer.BufferedOperation) bool {
	if err := e.repo.MarkSynced(ctx, op.ID); err != nil {
		e.logger.Error("failed to mark operation synced",
			zap.String("operation_id", op.ID.String()),
			zap.Error(err),
		)
		return false
	}
	op.MarkSynced()
	e.metrics.RecordSynced(ctx, siteCode)
	return true
}

// freeze marks an operation failed for operator inspection
func (e *Engine) freeze(ctx context.Context, op *buffer.BufferedOperation, reason string) {
	if err := e.repo.MarkFailed(ctx, op.ID, reason); err != nil {
		e.logger.Error("failed to freeze operation",
			zap.String("operation_id", op.ID.String()),
			zap.Error(err),
		)
		return
	}
	op.MarkFailed(reason)
	e.metrics.RecordFrozen(ctx, op.SiteCode)
	e.logger.Warn("operation frozen for operator action",
		zap.String("operation_id", op.ID.String()),
		zap.String("site_code", op.SiteCode),
		zap.String("kind", string(op.Kind)),
		zap.String("reason", reason),
	)
}

// submit decodes the buffered payload and issues the matching single-item
// batched create call. The descriptor's identifier and key hash always come
// from the buffer record so re-keyed operations submit under their current
// identifier.
func (e *Engine) submit(ctx context.Context, op *buffer.BufferedOperation) ([]ledger.CreateFailure, error) {
	switch op.Kind {
	case buffer.KindAccountCreation:
		var d ledger.AccountDescriptor
		if err := json.Unmarshal(op.Payload, &d); err != nil {
			return nil, fmt.Errorf("%w: corrupt account payload: %v", errNotReplayable, err)
		}
		d.ID = op.ID
		d.KeyHash = op.KeyHash
		return e.client.CreateAccounts(ctx, []ledger.AccountDescriptor{d})

	case buffer.KindTransferCreation:
		var d ledger.TransferDescriptor
		if err := json.Unmarshal(op.Payload, &d); err != nil {
			return nil, fmt.Errorf("%w: corrupt transfer payload: %v", errNotReplayable, err)
		}
		d.ID = op.ID
		d.KeyHash = op.KeyHash
		return e.client.CreateTransfers(ctx, []ledger.TransferDescriptor{d})

	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", errNotReplayable, op.Kind)
	}
}
