package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Currency string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider implements the Provider interface using manual-capture
// PaymentIntents, mirroring the auth/capture/void lifecycle the checkout
// orchestrator expects.
type StripeProvider struct {
	api      stripeClients
	currency string
	clock    func() time.Time
	logger   StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents}
	}
	if clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:      clients,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Authorize creates and confirms a manual-capture PaymentIntent. Stripe only
// accepts tokenized payment methods; raw card fields are rejected here.
func (p *StripeProvider) Authorize(ctx context.Context, req AuthorizationRequest) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("stripe: provider is nil")
	}
	if req.PaymentToken == "" {
		return Transaction{}, errors.New("stripe: a tokenized payment method is required")
	}
	if req.Amount.IsZero() || req.Amount.IsNegative() {
		return Transaction{}, errors.New("stripe: authorization amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(req.Amount)),
		Currency:      stripe.String(p.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethod: stripe.String(req.PaymentToken),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.Customer != nil {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Transaction{}, translateStripeError(err)
	}
	if intent.Status != stripe.PaymentIntentStatusRequiresCapture {
		return Transaction{}, &GatewayError{
			Provider:     "stripe",
			Response:     "2",
			ResponseCode: string(intent.Status),
			Message:      "authorization not held for capture",
		}
	}

	p.logger(ctx, "stripe.authorized", map[string]any{"intent_id": intent.ID})
	return Transaction{
		TransactionID: intent.ID,
		Status:        StatusAuthorized,
		ResponseCode:  string(intent.Status),
	}, nil
}

// Capture settles a held PaymentIntent. Contract metadata is attached for
// reconciliation in the Stripe dashboard.
func (p *StripeProvider) Capture(ctx context.Context, req CaptureRequest) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return Transaction{}, errors.New("stripe: transaction id is required")
	}

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(toMinorUnits(req.Amount)),
	}
	params.Context = ctx
	if len(req.ContractNumbers) > 0 {
		params.AddMetadata("contract_numbers", strings.Join(req.ContractNumbers, ";"))
	}
	if req.PaymentType != "" {
		params.AddMetadata("payment_type", string(req.PaymentType))
	}

	intent, err := p.api.intents.Capture(req.TransactionID, params)
	if err != nil {
		return Transaction{}, translateStripeError(err)
	}

	p.logger(ctx, "stripe.captured", map[string]any{"intent_id": intent.ID})
	return Transaction{
		TransactionID: intent.ID,
		Status:        StatusCaptured,
		ResponseCode:  string(intent.Status),
	}, nil
}

// Void cancels a held PaymentIntent, releasing the authorization.
func (p *StripeProvider) Void(ctx context.Context, req VoidRequest) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return Transaction{}, errors.New("stripe: transaction id is required")
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	intent, err := p.api.intents.Cancel(req.TransactionID, params)
	if err != nil {
		return Transaction{}, translateStripeError(err)
	}

	p.logger(ctx, "stripe.voided", map[string]any{"intent_id": intent.ID})
	return Transaction{
		TransactionID: intent.ID,
		Status:        StatusVoided,
		ResponseCode:  string(intent.Status),
	}, nil
}

// translateStripeError maps card declines onto the shared decline sentinel
// while leaving transport failures untouched.
func translateStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		return &GatewayError{
			Provider:     "stripe",
			Response:     "2",
			ResponseCode: string(stripeErr.Code),
			Message:      stripeErr.Msg,
		}
	}
	return err
}

// toMinorUnits converts a dollar amount to integer cents.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
