// Package services holds the application use cases sitting between the HTTP
// handlers and the external gateway clients. Services own orchestration and
// error translation; they never render HTTP or hold wizard state themselves.
package services

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
	"github.com/click4coverage/api/internal/quote"
)

// RateService exposes vehicle rating and contract preview.
type RateService interface {
	// FetchRates rates a vehicle and returns the available coverage terms.
	FetchRates(ctx context.Context, vehicle domain.Vehicle, saleOdometer int) ([]domain.CoverageTerm, error)
	// PreviewContract prices the bucket line items for a covered slot ahead
	// of checkout.
	PreviewContract(ctx context.Context, vehicle domain.Vehicle, saleOdometer int, coverage domain.SelectedCoverage, customer domain.Customer) ([]domain.PreviewBucket, error)
}

// HomeQuoteService prices home protection plans from the embedded catalog.
type HomeQuoteService interface {
	// QuoteHome resolves a (type, duration, size) choice plus add-on keys
	// into a priced selection.
	QuoteHome(coverageType string, durationYears int, homeSize string, addOnKeys []string) (domain.HomeSelection, error)
	// ListAddOns returns the priced add-ons for a duration.
	ListAddOns(durationYears int) []domain.HomeAddOn
}

// CheckoutCommand is one checkout attempt over a snapshot of wizard state.
type CheckoutCommand struct {
	Vehicles      []quote.VehicleSlot
	Home          *domain.HomeSelection
	Customer      domain.Customer
	PaymentType   domain.PaymentType
	PaymentToken  string
	Card          *CardInput
	TermsAccepted bool
	// SubscriptionID identifies the recurring billing plan for buy-down
	// captures.
	SubscriptionID string
}

// CardInput carries raw card fields when no tokenized payment is available.
type CardInput struct {
	Number string
	Expiry string
}

// AttemptState reports where a checkout attempt finished.
type AttemptState string

const (
	AttemptSucceeded AttemptState = "succeeded"
	AttemptFailed    AttemptState = "failed"
	// AttemptCaptureFailed means contracts exist but settlement failed;
	// the attempt needs manual reconciliation, never an automatic void.
	AttemptCaptureFailed AttemptState = "capture_failed"
)

// CheckoutResult is the outcome of a completed checkout attempt.
type CheckoutResult struct {
	State         AttemptState
	TransactionID string
	AmountPaid    decimal.Decimal
	Contracts     []domain.ContractResult
	Buydown       *domain.BuydownSchedule
}

// CheckoutService runs the authorize, create, compensate-or-capture sequence.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}
