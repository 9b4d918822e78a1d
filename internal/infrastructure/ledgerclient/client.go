package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rblinton/logistics-system/internal/domain/ledger"
)

// maxResponseSize limits the response body size to prevent memory exhaustion
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// HTTPClient talks JSON over HTTP to the central ledger service.
// Identifier and key-hash fields travel as strings: 64-bit values do not
// survive JSON number round-trips.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds ledger service connection settings
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPClient creates a ledger client for the given service endpoint
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type accountItem struct {
	ID       string          `json:"id"`
	SiteCode string          `json:"site_code"`
	KeyHash  string          `json:"key_hash"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type transferItem struct {
	ID              string          `json:"id"`
	DebitAccountID  string          `json:"debit_account_id"`
	CreditAccountID string          `json:"credit_account_id"`
	Amount          string          `json:"amount"`
	Currency        string          `json:"currency"`
	SiteCode        string          `json:"site_code"`
	KeyHash         string          `json:"key_hash"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

type failureItem struct {
	Index           int    `json:"index"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	ExistingKeyHash string `json:"existing_key_hash,omitempty"`
}

type createResponse struct {
	Failures []failureItem `json:"failures"`
}

// CreateAccounts submits a batch of account creations. The returned slice
// holds per-item rejections; items absent from it were applied.
func (c *HTTPClient) CreateAccounts(ctx context.Context, accounts []ledger.AccountDescriptor) ([]ledger.CreateFailure, error) {
	items := make([]accountItem, len(accounts))
	for i, a := range accounts {
		items[i] = accountItem{
			ID:       a.ID.String(),
			SiteCode: a.SiteCode,
			KeyHash:  strconv.FormatUint(a.KeyHash, 10),
			Payload:  json.RawMessage(a.Payload),
		}
	}
	return c.postBatch(ctx, "/api/v1/accounts", map[string]any{"accounts": items})
}

// CreateTransfers submits a batch of double-entry transfer creations
func (c *HTTPClient) CreateTransfers(ctx context.Context, transfers []ledger.TransferDescriptor) ([]ledger.CreateFailure, error) {
	items := make([]transferItem, len(transfers))
	for i, t := range transfers {
		items[i] = transferItem{
			ID:              t.ID.String(),
			DebitAccountID:  t.DebitAccountID.String(),
			CreditAccountID: t.CreditAccountID.String(),
			Amount:          t.Amount.String(),
			Currency:        t.Currency,
			SiteCode:        t.SiteCode,
			KeyHash:         strconv.FormatUint(t.KeyHash, 10),
			Payload:         json.RawMessage(t.Payload),
		}
	}
	return c.postBatch(ctx, "/api/v1/transfers", map[string]any{"transfers": items})
}

// Ping checks liveness of the ledger service
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("ledger: failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: ping failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) postBatch(ctx context.Context, path string, body map[string]any) ([]ledger.CreateFailure, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to read response: %w", err)
	}

	// The batch endpoint answers 200 even when individual items were
	// rejected; any other status is a transport-level failure.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed createResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("ledger: failed to decode response: %w", err)
	}

	failures := make([]ledger.CreateFailure, 0, len(parsed.Failures))
	for _, f := range parsed.Failures {
		failure := ledger.CreateFailure{
			Index:   f.Index,
			Code:    mapFailureCode(f.Code),
			Message: f.Message,
		}
		if f.ExistingKeyHash != "" {
			hash, perr := strconv.ParseUint(f.ExistingKeyHash, 10, 64)
			if perr == nil {
				failure.ExistingKeyHash = hash
				failure.HasExistingKeyHash = true
			}
		}
		failures = append(failures, failure)
	}
	return failures, nil
}

// mapFailureCode maps wire codes onto the closed failure-code set.
// Unrecognized codes land on FailureUnknown rather than a new category.
func mapFailureCode(code string) ledger.FailureCode {
	switch ledger.FailureCode(code) {
	case ledger.FailureAlreadyExists, ledger.FailureValidation, ledger.FailureBusinessRule:
		return ledger.FailureCode(code)
	default:
		return ledger.FailureUnknown
	}
}

// Ensure HTTPClient implements ledger.Client
var _ ledger.Client = (*HTTPClient)(nil)
