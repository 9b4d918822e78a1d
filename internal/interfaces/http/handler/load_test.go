package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/application/ops"
	"github.com/rblinton/logistics-system/internal/domain/buffer"
	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/ledger"
	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/domain/site"
	"github.com/rblinton/logistics-system/internal/interfaces/http/dto"
)

// In-memory fakes for the operation service dependencies

type fakeIndex struct {
	mu      sync.Mutex
	forward map[string]ident.Identifier
	reverse map[ident.Identifier][2]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		forward: make(map[string]ident.Identifier),
		reverse: make(map[ident.Identifier][2]string),
	}
}

func indexKey(siteCode, localKey string) string { return siteCode + "\x00" + localKey }

func (f *fakeIndex) Put(_ context.Context, siteCode, localKey string, id ident.Identifier) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := indexKey(siteCode, localKey)
	old, replaced := f.forward[key]
	if replaced {
		delete(f.reverse, old)
	}
	f.forward[key] = id
	f.reverse[id] = [2]string{siteCode, localKey}
	return replaced, nil
}

func (f *fakeIndex) Resolve(_ context.Context, siteCode, localKey string) (ident.Identifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.forward[indexKey(siteCode, localKey)]
	if !ok {
		return ident.Identifier{}, shared.ErrNotFound
	}
	return id, nil
}

func (f *fakeIndex) Reverse(_ context.Context, id ident.Identifier) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.reverse[id]
	if !ok {
		return "", "", shared.ErrNotFound
	}
	return entry[0], entry[1], nil
}

type fakeRepo struct {
	mu    sync.Mutex
	byID  map[ident.Identifier]*buffer.BufferedOperation
	order []ident.Identifier
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[ident.Identifier]*buffer.BufferedOperation)}
}

func (r *fakeRepo) Enqueue(_ context.Context, op *buffer.BufferedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[op.ID] = op
	r.order = append(r.order, op.ID)
	return nil
}

func (r *fakeRepo) PendingBySite(_ context.Context, siteCode string) ([]*buffer.BufferedOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*buffer.BufferedOperation
	for _, id := range r.order {
		op := r.byID[id]
		if op.SiteCode == siteCode && op.Status == buffer.StatusPending {
			out = append(out, op)
		}
	}
	return out, nil
}

func (r *fakeRepo) SitesWithPending(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for _, op := range r.byID {
		if op.Status == buffer.StatusPending {
			seen[op.SiteCode] = true
		}
	}
	sites := make([]string, 0, len(seen))
	for code := range seen {
		sites = append(sites, code)
	}
	sort.Strings(sites)
	return sites, nil
}

func (r *fakeRepo) FindByID(_ context.Context, id ident.Identifier) (*buffer.BufferedOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return op, nil
}

func (r *fakeRepo) MarkSynced(_ context.Context, id ident.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.byID[id]; ok {
		op.MarkSynced()
	}
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id ident.Identifier, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.byID[id]; ok {
		op.MarkFailed(reason)
	}
	return nil
}

func (r *fakeRepo) IncrementAttempt(_ context.Context, id ident.Identifier, attemptErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.byID[id]; ok {
		op.RecordAttempt(attemptErr)
	}
	return nil
}

func (r *fakeRepo) Requeue(_ context.Context, oldID, newID ident.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.byID[oldID]
	if !ok {
		return shared.ErrNotFound
	}
	delete(r.byID, oldID)
	for i, id := range r.order {
		if id == oldID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	op.Rekey(newID)
	r.byID[newID] = op
	r.order = append(r.order, newID)
	return nil
}

func (r *fakeRepo) Update(_ context.Context, op *buffer.BufferedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[op.ID]; !ok {
		return shared.ErrNotFound
	}
	r.byID[op.ID] = op
	return nil
}

func (r *fakeRepo) FindFailed(_ context.Context, page, pageSize int) ([]*buffer.BufferedOperation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []*buffer.BufferedOperation
	for _, id := range r.order {
		if op := r.byID[id]; op.Status == buffer.StatusFailed {
			failed = append(failed, op)
		}
	}
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

func (r *fakeRepo) CountPendingBySite(_ context.Context, siteCode string) (int64, error) {
	ops, _ := r.PendingBySite(context.Background(), siteCode)
	return int64(len(ops)), nil
}

func (r *fakeRepo) CountByStatus(_ context.Context) (map[buffer.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[buffer.Status]int64)
	for _, op := range r.byID {
		counts[op.Status]++
	}
	return counts, nil
}

type fakeClient struct {
	failures []ledger.CreateFailure
	err      error
	pingErr  error
}

func (c *fakeClient) CreateAccounts(context.Context, []ledger.AccountDescriptor) ([]ledger.CreateFailure, error) {
	return c.failures, c.err
}

func (c *fakeClient) CreateTransfers(context.Context, []ledger.TransferDescriptor) ([]ledger.CreateFailure, error) {
	return c.failures, c.err
}

func (c *fakeClient) Ping(context.Context) error { return c.pingErr }

type staticProbe bool

func (p staticProbe) Healthy() bool { return bool(p) }

// Test helpers

type handlerFixture struct {
	router *gin.Engine
	index  *fakeIndex
	repo   *fakeRepo
	client *fakeClient
}

func setupHandlerTest(t *testing.T, online bool) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry, err := site.NewRegistry([]site.Descriptor{
		{Code: "DAL", Tag: 1, Name: "Dallas"},
		{Code: "HOU", Tag: 2, Name: "Houston"},
	})
	require.NoError(t, err)

	index := newFakeIndex()
	repo := newFakeRepo()
	client := &fakeClient{}
	svc := ops.NewOperationService(
		ident.NewAllocator(registry, zap.NewNop()),
		index, repo, client, staticProbe(online), zap.NewNop(), nil,
	)

	router := gin.New()
	api := router.Group("/api/v1")
	NewLoadHandler(svc).RegisterRoutes(api)
	NewReferenceHandler(svc).RegisterRoutes(api)

	return &handlerFixture{router: router, index: index, repo: repo, client: client}
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createLoadBody() map[string]any {
	return map[string]any{
		"site_code":   "DAL",
		"load_number": "L-1001",
		"customer":    "Acme Shipping",
		"currency":    "USD",
		"origin":      "Dallas, TX",
		"dest":        "Houston, TX",
	}
}

// Tests

func TestLoadHandler_Create_Online(t *testing.T) {
	fx := setupHandlerTest(t, true)

	w := postJSON(t, fx.router, "/api/v1/loads", createLoadBody())

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result RecordResultResponse
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.Buffered)
	assert.False(t, result.Replaced)

	id, err := ident.Parse(result.ID)
	require.NoError(t, err)
	_, localKey, err := fx.index.Reverse(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "L-1001", localKey)
}

func TestLoadHandler_Create_Offline_Accepted(t *testing.T) {
	fx := setupHandlerTest(t, false)

	w := postJSON(t, fx.router, "/api/v1/loads", createLoadBody())

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)

	pending, err := fx.repo.PendingBySite(context.Background(), "DAL")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestLoadHandler_Create_MissingFields(t *testing.T) {
	fx := setupHandlerTest(t, true)

	w := postJSON(t, fx.router, "/api/v1/loads", map[string]any{
		"site_code": "DAL",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
}

func TestLoadHandler_Create_UnknownSite(t *testing.T) {
	fx := setupHandlerTest(t, true)

	body := createLoadBody()
	body["site_code"] = "NYC"
	w := postJSON(t, fx.router, "/api/v1/loads", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, dto.ErrCodeBadRequest, resp.Error.Code)
}

func TestLoadHandler_Create_LedgerRejection(t *testing.T) {
	fx := setupHandlerTest(t, true)
	fx.client.failures = []ledger.CreateFailure{
		{Index: 0, Code: ledger.FailureBusinessRule, Message: "account archived"},
	}

	w := postJSON(t, fx.router, "/api/v1/loads", createLoadBody())

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, dto.ErrCodeBusinessRule, resp.Error.Code)
}

func TestLoadHandler_Assign_BooksRate(t *testing.T) {
	fx := setupHandlerTest(t, true)

	w := postJSON(t, fx.router, "/api/v1/loads", createLoadBody())
	require.Equal(t, http.StatusCreated, w.Code)

	// the carrier's payable account has to resolve through the index
	w = postJSON(t, fx.router, "/api/v1/loads", map[string]any{
		"site_code":   "DAL",
		"load_number": "CARRIER-77",
		"customer":    "Lone Star Freight",
		"currency":    "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, fx.router, "/api/v1/loads/L-1001/assign", map[string]any{
		"site_code":           "DAL",
		"carrier_account_key": "CARRIER-77",
		"rate":                "1850.75",
		"currency":            "USD",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
}

func TestLoadHandler_Assign_UnknownCarrier(t *testing.T) {
	fx := setupHandlerTest(t, true)

	w := postJSON(t, fx.router, "/api/v1/loads", createLoadBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, fx.router, "/api/v1/loads/L-1001/assign", map[string]any{
		"site_code":           "DAL",
		"carrier_account_key": "NO-SUCH-CARRIER",
		"rate":                "1850.75",
		"currency":            "USD",
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoadHandler_Complete_SettlesCharge(t *testing.T) {
	fx := setupHandlerTest(t, true)

	w := postJSON(t, fx.router, "/api/v1/loads", createLoadBody())
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, fx.router, "/api/v1/loads", map[string]any{
		"site_code":   "DAL",
		"load_number": "CUST-ACME",
		"customer":    "Acme Shipping",
		"currency":    "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, fx.router, "/api/v1/loads/L-1001/complete", map[string]any{
		"site_code":            "DAL",
		"customer_account_key": "CUST-ACME",
		"charge":               "2400.00",
		"currency":             "USD",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestLoadHandler_Create_InvalidJSON(t *testing.T) {
	fx := setupHandlerTest(t, true)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodPost, "/api/v1/loads", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	fx.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
