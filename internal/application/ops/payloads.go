package ops

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rblinton/logistics-system/internal/domain/shared"
)

// LoadCreatedCommand opens the ledger account that tracks one load's
// receivable. LoadNumber is the site-local business key the site's own
// systems know the load by.
type LoadCreatedCommand struct {
	SiteCode   string `json:"site_code" validate:"required,max=16"`
	LoadNumber string `json:"load_number" validate:"required,max=64"`
	Customer   string `json:"customer" validate:"required,max=128"`
	Currency   string `json:"currency" validate:"required,len=3"`
	Origin     string `json:"origin" validate:"max=128"`
	Dest       string `json:"dest" validate:"max=128"`
}

// LoadAssignedCommand books the agreed carrier rate as a double-entry
// transfer: debit the load account, credit the carrier's payable account.
type LoadAssignedCommand struct {
	SiteCode   string `json:"site_code" validate:"required,max=16"`
	LoadNumber string `json:"load_number" validate:"required,max=64"`
	// CarrierAccountKey is the site-local key of the carrier's payable
	// account, resolved through the reference index
	CarrierAccountKey string          `json:"carrier_account_key" validate:"required,max=64"`
	Rate              decimal.Decimal `json:"rate"`
	Currency          string          `json:"currency" validate:"required,len=3"`
}

// LoadCompletedCommand settles the freight charge on delivery: debit the
// customer's receivable account, credit the load account.
type LoadCompletedCommand struct {
	SiteCode   string `json:"site_code" validate:"required,max=16"`
	LoadNumber string `json:"load_number" validate:"required,max=64"`
	// CustomerAccountKey is the site-local key of the customer's
	// receivable account
	CustomerAccountKey string          `json:"customer_account_key" validate:"required,max=64"`
	Charge             decimal.Decimal `json:"charge"`
	Currency           string          `json:"currency" validate:"required,len=3"`
}

// accountPayload is the opaque body forwarded to the ledger for a load
// account; the ledger's own taxonomy is not interpreted here.
type accountPayload struct {
	LoadNumber string `json:"load_number"`
	Customer   string `json:"customer"`
	Currency   string `json:"currency"`
	Origin     string `json:"origin,omitempty"`
	Dest       string `json:"dest,omitempty"`
}

// assignmentKey and settlementKey derive the transfer's own business key
// from the load it belongs to
func assignmentKey(loadNumber string) string { return loadNumber + "#assign" }
func settlementKey(loadNumber string) string { return loadNumber + "#settle" }

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s",
			shared.ErrValidationFailed, field, amount.String())
	}
	return nil
}
