package ops

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/ledger"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/domain/site"
)

// memIndex is an in-memory refindex.Index
type memIndex struct {
	mu      sync.Mutex
	forward map[string]ident.Identifier
	reverse map[ident.Identifier][2]string
}

func newMemIndex() *memIndex {
	return &memIndex{
		forward: make(map[string]ident.Identifier),
		reverse: make(map[ident.Identifier][2]string),
	}
}

func refKey(siteCode, localKey string) string { return siteCode + "\x00" + localKey }

func (m *memIndex) Put(_ context.Context, siteCode, localKey string, id ident.Identifier) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey(siteCode, localKey)
	old, replaced := m.forward[key]
	if replaced {
		delete(m.reverse, old)
	}
	m.forward[key] = id
	m.reverse[id] = [2]string{siteCode, localKey}
	return replaced, nil
}

func (m *memIndex) Resolve(_ context.Context, siteCode, localKey string) (ident.Identifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.forward[refKey(siteCode, localKey)]
	if !ok {
		return ident.Identifier{}, shared.ErrNotFound
	}
	return id, nil
}

func (m *memIndex) Reverse(_ context.Context, id ident.Identifier) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.reverse[id]
	if !ok {
		return "", "", shared.ErrNotFound
	}
	return key[0], key[1], nil
}

// memRepo is an in-memory buffer.Repository with a per-site capacity
type memRepo struct {
	mu       sync.Mutex
	ops      map[ident.Identifier]*buffer.BufferedOperation
	nextSeq  uint64
	capacity int
}

func newMemRepo(capacity int) *memRepo {
	return &memRepo{ops: make(map[ident.Identifier]*buffer.BufferedOperation), capacity: capacity}
}

func (r *memRepo) Enqueue(ctx context.Context, op *buffer.BufferedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity > 0 {
		pending := 0
		for _, existing := range r.ops {
			if existing.SiteCode == op.SiteCode && existing.Status == buffer.StatusPending {
				pending++
			}
		}
		if pending >= r.capacity {
			return shared.ErrCapacityExceeded
		}
	}
	r.nextSeq++
	op.Sequence = r.nextSeq
	r.ops[op.ID] = op
	return nil
}

func (r *memRepo) PendingBySite(_ context.Context, siteCode string) ([]*buffer.BufferedOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*buffer.BufferedOperation
	for _, op := range r.ops {
		if op.SiteCode == siteCode && op.Status == buffer.StatusPending {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *memRepo) SitesWithPending(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, op := range r.ops {
		if op.Status == buffer.StatusPending && !seen[op.SiteCode] {
			seen[op.SiteCode] = true
			out = append(out, op.SiteCode)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRepo) FindByID(_ context.Context, id ident.Identifier) (*buffer.BufferedOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return op, nil
}

func (r *memRepo) MarkSynced(_ context.Context, id ident.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[id]; ok {
		op.MarkSynced()
	}
	return nil
}

func (r *memRepo) MarkFailed(_ context.Context, id ident.Identifier, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[id]; ok {
		op.MarkFailed(reason)
	}
	return nil
}

func (r *memRepo) IncrementAttempt(_ context.Context, id ident.Identifier, attemptErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[id]; ok {
		op.RecordAttempt(attemptErr)
	}
	return nil
}

func (r *memRepo) Requeue(_ context.Context, oldID, newID ident.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[oldID]
	if !ok {
		return shared.ErrNotFound
	}
	delete(r.ops, oldID)
	op.Rekey(newID)
	r.nextSeq++
	op.Sequence = r.nextSeq
	r.ops[newID] = op
	return nil
}

func (r *memRepo) Update(_ context.Context, op *buffer.BufferedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ID] = op
	return nil
}

func (r *memRepo) FindFailed(_ context.Context, page, pageSize int) ([]*buffer.BufferedOperation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []*buffer.BufferedOperation
	for _, op := range r.ops {
		if op.Status == buffer.StatusFailed {
			failed = append(failed, op)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Sequence > failed[j].Sequence })
	total := int64(len(failed))
	start := (page - 1) * pageSize
	if start >= len(failed) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(failed) {
		end = len(failed)
	}
	return failed[start:end], total, nil
}

func (r *memRepo) CountPendingBySite(_ context.Context, siteCode string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, op := range r.ops {
		if op.SiteCode == siteCode && op.Status == buffer.StatusPending {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CountByStatus(_ context.Context) (map[buffer.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[buffer.Status]int64)
	for _, op := range r.ops {
		out[op.Status]++
	}
	return out, nil
}

// scriptedClient scripts responses and records submitted descriptors
type scriptedClient struct {
	mu sync.Mutex
	// next holds rejections to return, consumed one call at a time
	next []ledger.CreateFailure
	err  error

	accounts  []ledger.AccountDescriptor
	transfers []ledger.TransferDescriptor
}

func (c *scriptedClient) pop() ([]ledger.CreateFailure, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(c.next) == 0 {
		return nil, nil
	}
	failure := c.next[0]
	c.next = c.next[1:]
	return []ledger.CreateFailure{failure}, nil
}

func (c *scriptedClient) CreateAccounts(_ context.Context, accounts []ledger.AccountDescriptor) ([]ledger.CreateFailure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures, err := c.pop()
	if err == nil {
		c.accounts = append(c.accounts, accounts...)
	}
	return failures, err
}

func (c *scriptedClient) CreateTransfers(_ context.Context, transfers []ledger.TransferDescriptor) ([]ledger.CreateFailure, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures, err := c.pop()
	if err == nil {
		c.transfers = append(c.transfers, transfers...)
	}
	return failures, err
}

func (c *scriptedClient) Ping(context.Context) error { return c.err }

type fixedProbe bool

func (p fixedProbe) Healthy() bool { return bool(p) }

type fixture struct {
	svc    *OperationService
	index  *memIndex
	repo   *memRepo
	client *scriptedClient
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	registry, err := site.NewRegistry([]site.Descriptor{
		{Code: "DAL", Tag: 1, Name: "Dallas"},
		{Code: "HOU", Tag: 2, Name: "Houston"},
	})
	require.NoError(t, err)

	index := newMemIndex()
	repo := newMemRepo(0)
	client := &scriptedClient{}
	svc := NewOperationService(
		ident.NewAllocator(registry, zap.NewNop()),
		index, repo, client, fixedProbe(online), zap.NewNop(), nil,
	)
	return &fixture{svc: svc, index: index, repo: repo, client: client}
}

func createdCmd() LoadCreatedCommand {
	return LoadCreatedCommand{
		SiteCode:   "DAL",
		LoadNumber: "L-1001",
		Customer:   "Acme Shipping",
		Currency:   "USD",
		Origin:     "Dallas, TX",
		Dest:       "Houston, TX",
	}
}

func TestRecordLoadCreated_Online(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)
	assert.False(t, result.Buffered)
	assert.False(t, result.Replaced)
	assert.False(t, result.ID.IsZero())

	// reference index maps the load number to the minted identifier
	resolved, err := f.index.Resolve(context.Background(), "DAL", "L-1001")
	require.NoError(t, err)
	assert.Equal(t, result.ID, resolved)

	require.Len(t, f.client.accounts, 1)
	got := f.client.accounts[0]
	assert.Equal(t, result.ID, got.ID)
	assert.Equal(t, ledger.BusinessKeyHash("DAL", "L-1001"), got.KeyHash)

	var payload accountPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "L-1001", payload.LoadNumber)
	assert.Equal(t, "Acme Shipping", payload.Customer)

	// nothing buffered on the direct path
	counts, err := f.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestRecordLoadCreated_Offline_Buffers(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)
	assert.True(t, result.Buffered)
	assert.Empty(t, f.client.accounts)

	pending, err := f.repo.PendingBySite(context.Background(), "DAL")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	op := pending[0]
	assert.Equal(t, buffer.KindAccountCreation, op.Kind)
	assert.Equal(t, result.ID, op.ID)
	assert.Equal(t, site.Tag(1), op.SiteTag)
	assert.Equal(t, ledger.BusinessKeyHash("DAL", "L-1001"), op.KeyHash)

	// the buffered payload is the full serialized descriptor
	var descriptor ledger.AccountDescriptor
	require.NoError(t, json.Unmarshal(op.Payload, &descriptor))
	assert.Equal(t, "DAL", descriptor.SiteCode)
}

func TestRecordLoadCreated_TransportFailure_FallsBackToBuffer(t *testing.T) {
	f := newFixture(t, true)
	f.client.err = errors.New("connection reset")

	result, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)
	assert.True(t, result.Buffered)

	n, err := f.repo.CountPendingBySite(context.Background(), "DAL")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRecordLoadCreated_AlreadyExistsSameKey_OnlineSuccess(t *testing.T) {
	f := newFixture(t, true)
	f.client.next = []ledger.CreateFailure{{
		Code:               ledger.FailureAlreadyExists,
		ExistingKeyHash:    ledger.BusinessKeyHash("DAL", "L-1001"),
		HasExistingKeyHash: true,
	}}

	result, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)
	assert.False(t, result.Buffered)
}

func TestRecordLoadCreated_OnlineCollision_RekeysInline(t *testing.T) {
	f := newFixture(t, true)
	f.client.next = []ledger.CreateFailure{{
		Code:               ledger.FailureAlreadyExists,
		ExistingKeyHash:    0xDEAD,
		HasExistingKeyHash: true,
	}}

	result, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)
	assert.False(t, result.Buffered)

	// the index points at the identifier that finally landed
	resolved, err := f.index.Resolve(context.Background(), "DAL", "L-1001")
	require.NoError(t, err)
	assert.Equal(t, result.ID, resolved)
	require.Len(t, f.client.accounts, 1)
	assert.Equal(t, result.ID, f.client.accounts[0].ID)
}

func TestRecordLoadCreated_LedgerValidationRejection(t *testing.T) {
	f := newFixture(t, true)
	f.client.next = []ledger.CreateFailure{{
		Code:    ledger.FailureValidation,
		Message: "account code out of range",
	}}

	_, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidationFailed)

	counts, cerr := f.repo.CountByStatus(context.Background())
	require.NoError(t, cerr)
	assert.Empty(t, counts, "rejected operations must not be buffered")
}

func TestRecordLoadCreated_InvalidCommand(t *testing.T) {
	f := newFixture(t, true)

	cmd := createdCmd()
	cmd.Currency = "DOLLARS"
	_, err := f.svc.RecordLoadCreated(context.Background(), cmd)
	assert.ErrorIs(t, err, shared.ErrValidationFailed)

	cmd = createdCmd()
	cmd.LoadNumber = ""
	_, err = f.svc.RecordLoadCreated(context.Background(), cmd)
	assert.ErrorIs(t, err, shared.ErrValidationFailed)

	assert.Empty(t, f.client.accounts)
}

func TestRecordLoadCreated_CapacityExceeded(t *testing.T) {
	f := newFixture(t, false)
	f.repo.capacity = 1

	_, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)

	cmd := createdCmd()
	cmd.LoadNumber = "L-1002"
	_, err = f.svc.RecordLoadCreated(context.Background(), cmd)
	assert.ErrorIs(t, err, shared.ErrCapacityExceeded)
}

func TestRecordLoadCreated_Replaced(t *testing.T) {
	f := newFixture(t, true)

	first, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)

	second, err := f.svc.RecordLoadCreated(context.Background(), createdCmd())
	require.NoError(t, err)
	assert.True(t, second.Replaced)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRecordLoadAssigned_BooksCarrierRate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, err := f.svc.RecordLoadCreated(ctx, createdCmd())
	require.NoError(t, err)
	carrierID := ident.Pack(1, 1700000000000, 500)
	_, err = f.index.Put(ctx, "DAL", "CARRIER-ACME", carrierID)
	require.NoError(t, err)

	result, err := f.svc.RecordLoadAssigned(ctx, LoadAssignedCommand{
		SiteCode:          "DAL",
		LoadNumber:        "L-1001",
		CarrierAccountKey: "CARRIER-ACME",
		Rate:              decimal.NewFromFloat(1250.50),
		Currency:          "USD",
	})
	require.NoError(t, err)
	assert.False(t, result.Buffered)

	require.Len(t, f.client.transfers, 1)
	tr := f.client.transfers[0]
	assert.Equal(t, created.ID, tr.DebitAccountID)
	assert.Equal(t, carrierID, tr.CreditAccountID)
	assert.True(t, tr.Amount.Equal(decimal.NewFromFloat(1250.50)))
	assert.Equal(t, "USD", tr.Currency)

	// the transfer has its own reference entry
	_, err = f.index.Resolve(ctx, "DAL", assignmentKey("L-1001"))
	assert.NoError(t, err)
}

func TestRecordLoadAssigned_UnknownReference(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.RecordLoadAssigned(context.Background(), LoadAssignedCommand{
		SiteCode:          "DAL",
		LoadNumber:        "L-9999",
		CarrierAccountKey: "CARRIER-ACME",
		Rate:              decimal.NewFromInt(100),
		Currency:          "USD",
	})
	assert.ErrorIs(t, err, shared.ErrValidationFailed)
}

func TestRecordLoadAssigned_NonPositiveRate(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.RecordLoadAssigned(context.Background(), LoadAssignedCommand{
		SiteCode:          "DAL",
		LoadNumber:        "L-1001",
		CarrierAccountKey: "CARRIER-ACME",
		Rate:              decimal.Zero,
		Currency:          "USD",
	})
	assert.ErrorIs(t, err, shared.ErrValidationFailed)
}

func TestRecordLoadCompleted_SettlesCharge(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, err := f.svc.RecordLoadCreated(ctx, createdCmd())
	require.NoError(t, err)
	customerID := ident.Pack(1, 1700000000000, 600)
	_, err = f.index.Put(ctx, "DAL", "CUST-ACME", customerID)
	require.NoError(t, err)

	_, err = f.svc.RecordLoadCompleted(ctx, LoadCompletedCommand{
		SiteCode:           "DAL",
		LoadNumber:         "L-1001",
		CustomerAccountKey: "CUST-ACME",
		Charge:             decimal.NewFromInt(2000),
		Currency:           "USD",
	})
	require.NoError(t, err)

	require.Len(t, f.client.transfers, 1)
	tr := f.client.transfers[0]
	assert.Equal(t, customerID, tr.DebitAccountID)
	assert.Equal(t, created.ID, tr.CreditAccountID)
}

func TestRecordLoadAssigned_Offline_BuffersTransfer(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	created, err := f.svc.RecordLoadCreated(ctx, createdCmd())
	require.NoError(t, err)
	carrierID := ident.Pack(1, 1700000000000, 500)
	_, err = f.index.Put(ctx, "DAL", "CARRIER-ACME", carrierID)
	require.NoError(t, err)

	result, err := f.svc.RecordLoadAssigned(ctx, LoadAssignedCommand{
		SiteCode:          "DAL",
		LoadNumber:        "L-1001",
		CarrierAccountKey: "CARRIER-ACME",
		Rate:              decimal.NewFromInt(100),
		Currency:          "USD",
	})
	require.NoError(t, err)
	assert.True(t, result.Buffered)

	pending, err := f.repo.PendingBySite(ctx, "DAL")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, buffer.KindAccountCreation, pending[0].Kind)
	assert.Equal(t, buffer.KindTransferCreation, pending[1].Kind)

	var descriptor ledger.TransferDescriptor
	require.NoError(t, json.Unmarshal(pending[1].Payload, &descriptor))
	assert.Equal(t, created.ID, descriptor.DebitAccountID)
	assert.Equal(t, carrierID, descriptor.CreditAccountID)
}

func TestRecord_UnregisteredSite_Rejected(t *testing.T) {
	f := newFixture(t, false)

	cmd := createdCmd()
	cmd.SiteCode = "ELP"
	_, err := f.svc.RecordLoadCreated(context.Background(), cmd)
	require.ErrorIs(t, err, shared.ErrUnknownSite)

	// nothing was minted or buffered for the rejected site
	pending, err := f.repo.PendingBySite(context.Background(), "ELP")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
