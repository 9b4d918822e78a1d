package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/application/ops"
	syncapp "github.com/rblinton/logistics-system/internal/application/sync"
	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/domain/site"
	"github.com/rblinton/logistics-system/internal/infrastructure/ledgerclient"
	"github.com/rblinton/logistics-system/internal/infrastructure/persistence"
)

// fakeLedger is an in-memory stand-in for the central ledger service. It
// speaks the same wire protocol and can be taken offline to simulate a WAN
// outage.
type fakeLedger struct {
	mu          sync.Mutex
	accounts    map[string]string // identifier -> business key hash
	transfers   map[string]string
	unavailable atomic.Bool
	server      *httptest.Server
}

func newFakeLedger() *fakeLedger {
	fl := &fakeLedger{
		accounts:  make(map[string]string),
		transfers: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if fl.unavailable.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		fl.handleCreate(w, r, "accounts", fl.accounts)
	})
	mux.HandleFunc("/api/v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		fl.handleCreate(w, r, "transfers", fl.transfers)
	})

	fl.server = httptest.NewServer(mux)
	return fl
}

func (fl *fakeLedger) handleCreate(w http.ResponseWriter, r *http.Request, key string, store map[string]string) {
	if fl.unavailable.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req map[string][]struct {
		ID      string `json:"id"`
		KeyHash string `json:"key_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	type failure struct {
		Index           int    `json:"index"`
		Code            string `json:"code"`
		Message         string `json:"message"`
		ExistingKeyHash string `json:"existing_key_hash,omitempty"`
	}
	var failures []failure

	fl.mu.Lock()
	for i, item := range req[key] {
		if existing, ok := store[item.ID]; ok {
			failures = append(failures, failure{
				Index:           i,
				Code:            "ALREADY_EXISTS",
				Message:         "identifier already recorded",
				ExistingKeyHash: existing,
			})
			continue
		}
		store[item.ID] = item.KeyHash
	}
	fl.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"failures": failures})
}

// seedAccount plants an account under the given identifier, as if another
// site had claimed it first
func (fl *fakeLedger) seedAccount(id, keyHash string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.accounts[id] = keyHash
}

func (fl *fakeLedger) accountCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.accounts)
}

func (fl *fakeLedger) hasAccount(id string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	_, ok := fl.accounts[id]
	return ok
}

type testStack struct {
	db         *TestDB
	ledger     *fakeLedger
	client     *ledgerclient.HTTPClient
	probe      *ledgerclient.Probe
	engine     *syncapp.Engine
	service    *ops.OperationService
	bufferRepo *persistence.GormBufferedOperationRepository
	refRepo    *persistence.GormReferenceEntryRepository
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	tdb := NewTestDB(t)
	fl := newFakeLedger()
	t.Cleanup(fl.server.Close)

	registry, err := site.NewRegistry([]site.Descriptor{
		{Code: "DAL", Tag: 1, Name: "Dallas"},
		{Code: "HOU", Tag: 2, Name: "Houston"},
	})
	require.NoError(t, err)
	allocator := ident.NewAllocator(registry, zap.NewNop())

	client, err := ledgerclient.NewHTTPClient(ledgerclient.Config{
		BaseURL: fl.server.URL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	probe := ledgerclient.NewProbe(client, ledgerclient.ProbeConfig{
		Interval:         20 * time.Millisecond,
		FailureThreshold: 2,
	}, zap.NewNop(), nil)

	bufferRepo := persistence.NewGormBufferedOperationRepository(tdb.DB, 0)
	refRepo := persistence.NewGormReferenceEntryRepository(tdb.DB)

	engine, err := syncapp.NewEngine(bufferRepo, client, probe, allocator, syncapp.EngineConfig{
		PollInterval: 30 * time.Millisecond,
		BackoffBase:  20 * time.Millisecond,
		BackoffMax:   200 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	probe.SetOnRecover(engine.Notify)
	probe.Start()
	t.Cleanup(probe.Stop)

	service := ops.NewOperationService(allocator, refRepo, bufferRepo, client, probe, zap.NewNop(), nil)

	return &testStack{
		db:         tdb,
		ledger:     fl,
		client:     client,
		probe:      probe,
		engine:     engine,
		service:    service,
		bufferRepo: bufferRepo,
		refRepo:    refRepo,
	}
}

func (s *testStack) waitUnhealthy(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.probe.Healthy() },
		5*time.Second, 10*time.Millisecond, "probe should judge the ledger unreachable")
}

func loadCmd(loadNumber string) ops.LoadCreatedCommand {
	return ops.LoadCreatedCommand{
		SiteCode:   "DAL",
		LoadNumber: loadNumber,
		Customer:   "Acme Shipping",
		Currency:   "USD",
		Origin:     "Dallas, TX",
		Dest:       "Houston, TX",
	}
}

func TestOnlineRecording(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	stack := newTestStack(t)
	ctx := context.Background()

	result, err := stack.service.RecordLoadCreated(ctx, loadCmd("L-2001"))
	require.NoError(t, err)
	assert.False(t, result.Buffered)
	assert.True(t, stack.ledger.hasAccount(result.ID.String()))

	// the business key resolves to the identifier the ledger recorded
	resolved, err := stack.refRepo.Resolve(ctx, "DAL", "L-2001")
	require.NoError(t, err)
	assert.Equal(t, result.ID, resolved)

	siteCode, localKey, err := stack.refRepo.Reverse(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, "DAL", siteCode)
	assert.Equal(t, "L-2001", localKey)
}

func TestOfflineBufferingAndDrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	stack := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, stack.engine.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stack.engine.Stop(stopCtx)
	})

	stack.ledger.unavailable.Store(true)
	stack.waitUnhealthy(t)

	first, err := stack.service.RecordLoadCreated(ctx, loadCmd("L-3001"))
	require.NoError(t, err)
	assert.True(t, first.Buffered)

	second, err := stack.service.RecordLoadCreated(ctx, loadCmd("L-3002"))
	require.NoError(t, err)
	assert.True(t, second.Buffered)

	pending, err := stack.bufferRepo.CountPendingBySite(ctx, "DAL")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	// connectivity returns; the probe recovery callback wakes the engine
	stack.ledger.unavailable.Store(false)

	require.Eventually(t, func() bool {
		counts, err := stack.bufferRepo.CountByStatus(ctx)
		return err == nil && counts[buffer.StatusSynced] == 2 && counts[buffer.StatusPending] == 0
	}, 10*time.Second, 50*time.Millisecond, "buffered operations should drain after recovery")

	assert.True(t, stack.ledger.hasAccount(first.ID.String()))
	assert.True(t, stack.ledger.hasAccount(second.ID.String()))

	// drain preserved insertion order per site: both mappings still resolve
	for _, loadNumber := range []string{"L-3001", "L-3002"} {
		_, err := stack.refRepo.Resolve(ctx, "DAL", loadNumber)
		assert.NoError(t, err)
	}
}

func TestCollisionRekeyDuringDrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	stack := newTestStack(t)
	ctx := context.Background()

	stack.ledger.unavailable.Store(true)
	stack.waitUnhealthy(t)

	result, err := stack.service.RecordLoadCreated(ctx, loadCmd("L-4001"))
	require.NoError(t, err)
	require.True(t, result.Buffered)

	// another writer claimed the same identifier for a different business
	// key while the site was offline
	stack.ledger.seedAccount(result.ID.String(), "999999")

	require.NoError(t, stack.engine.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stack.engine.Stop(stopCtx)
	})

	stack.ledger.unavailable.Store(false)

	require.Eventually(t, func() bool {
		counts, err := stack.bufferRepo.CountByStatus(ctx)
		return err == nil && counts[buffer.StatusSynced] == 1
	}, 10*time.Second, 50*time.Millisecond, "collided operation should re-key and sync")

	// the original identifier belongs to the other writer; the operation
	// synced under a replacement
	_, err = stack.bufferRepo.FindByID(ctx, result.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Equal(t, 2, stack.ledger.accountCount())
}

func TestIdempotentReplayAfterUnknownOutcome(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	stack := newTestStack(t)
	ctx := context.Background()

	stack.ledger.unavailable.Store(true)
	stack.waitUnhealthy(t)

	result, err := stack.service.RecordLoadCreated(ctx, loadCmd("L-5001"))
	require.NoError(t, err)
	require.True(t, result.Buffered)

	// the ledger applied the operation but the response was lost: replaying
	// it answers already-exists with the SAME key hash, which is success
	op, err := stack.bufferRepo.FindByID(ctx, result.ID)
	require.NoError(t, err)
	stack.ledger.seedAccount(result.ID.String(), strconv.FormatUint(op.KeyHash, 10))

	require.NoError(t, stack.engine.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stack.engine.Stop(stopCtx)
	})

	stack.ledger.unavailable.Store(false)

	require.Eventually(t, func() bool {
		counts, err := stack.bufferRepo.CountByStatus(ctx)
		return err == nil && counts[buffer.StatusSynced] == 1
	}, 10*time.Second, 50*time.Millisecond, "replayed operation should resolve as idempotent success")

	// no second account was created
	assert.Equal(t, 1, stack.ledger.accountCount())
}
