package ledgerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblinton/logistics-system/internal/domain/ident"
	"github.com/rblinton/logistics-system/internal/domain/ledger"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return client, server
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	assert.Error(t, err)
}

func TestHTTPClient_CreateAccounts_Success(t *testing.T) {
	id := ident.Pack(1, 1700000000000, 1)

	var captured struct {
		Accounts []accountItem `json:"accounts"`
	}
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/accounts", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"failures":[]}`))
	})

	failures, err := client.CreateAccounts(context.Background(), []ledger.AccountDescriptor{
		{
			ID:       id,
			SiteCode: "DAL",
			KeyHash:  ledger.BusinessKeyHash("DAL", "LOAD-1001"),
			Payload:  []byte(`{"code":"4010"}`),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, failures)

	require.Len(t, captured.Accounts, 1)
	assert.Equal(t, id.String(), captured.Accounts[0].ID)
	assert.Equal(t, "DAL", captured.Accounts[0].SiteCode)
	// 64-bit hash crosses the wire as a decimal string
	assert.NotEmpty(t, captured.Accounts[0].KeyHash)
	assert.JSONEq(t, `{"code":"4010"}`, string(captured.Accounts[0].Payload))
}

func TestHTTPClient_CreateAccounts_MapsFailures(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"failures":[
			{"index":0,"code":"ALREADY_EXISTS","message":"duplicate","existing_key_hash":"12345"},
			{"index":1,"code":"VALIDATION_FAILED","message":"bad currency"},
			{"index":2,"code":"SOMETHING_NEW","message":"surprise"}
		]}`))
	})

	failures, err := client.CreateAccounts(context.Background(), []ledger.AccountDescriptor{
		{ID: ident.Pack(1, 1, 1)}, {ID: ident.Pack(1, 1, 2)}, {ID: ident.Pack(1, 1, 3)},
	})
	require.NoError(t, err)
	require.Len(t, failures, 3)

	assert.Equal(t, ledger.FailureAlreadyExists, failures[0].Code)
	assert.True(t, failures[0].HasExistingKeyHash)
	assert.EqualValues(t, 12345, failures[0].ExistingKeyHash)

	assert.Equal(t, ledger.FailureValidation, failures[1].Code)
	assert.False(t, failures[1].HasExistingKeyHash)
	assert.Equal(t, "bad currency", failures[1].Message)

	// unrecognized wire codes collapse onto UNKNOWN
	assert.Equal(t, ledger.FailureUnknown, failures[2].Code)
}

func TestHTTPClient_CreateTransfers_WireFormat(t *testing.T) {
	debit := ident.Pack(1, 1700000000000, 1)
	credit := ident.Pack(1, 1700000000000, 2)
	transferID := ident.Pack(1, 1700000000000, 3)

	var captured struct {
		Transfers []transferItem `json:"transfers"`
	}
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"failures":[]}`))
	})

	failures, err := client.CreateTransfers(context.Background(), []ledger.TransferDescriptor{
		{
			ID:              transferID,
			DebitAccountID:  debit,
			CreditAccountID: credit,
			Amount:          decimal.RequireFromString("1850.75"),
			Currency:        "USD",
			SiteCode:        "DAL",
			KeyHash:         ledger.BusinessKeyHash("DAL", "LOAD-1001#assign"),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, failures)

	require.Len(t, captured.Transfers, 1)
	got := captured.Transfers[0]
	assert.Equal(t, transferID.String(), got.ID)
	assert.Equal(t, debit.String(), got.DebitAccountID)
	assert.Equal(t, credit.String(), got.CreditAccountID)
	assert.Equal(t, "1850.75", got.Amount)
	assert.Equal(t, "USD", got.Currency)
}

func TestHTTPClient_TransportErrors(t *testing.T) {
	t.Run("non-200 status is a transport failure", func(t *testing.T) {
		client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		})

		_, err := client.CreateAccounts(context.Background(), []ledger.AccountDescriptor{{ID: ident.Pack(1, 1, 1)}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 503")
	})

	t.Run("malformed response body", func(t *testing.T) {
		client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		})

		_, err := client.CreateAccounts(context.Background(), []ledger.AccountDescriptor{{ID: ident.Pack(1, 1, 1)}})
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		client, server := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
		server.Close()

		_, err := client.CreateAccounts(context.Background(), []ledger.AccountDescriptor{{ID: ident.Pack(1, 1, 1)}})
		assert.Error(t, err)
	})
}

func TestHTTPClient_Ping(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})
		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("unhealthy status", func(t *testing.T) {
		client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		assert.Error(t, client.Ping(context.Background()))
	})
}
