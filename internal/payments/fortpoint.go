package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/click4coverage/api/internal/domain"
)

// DefaultFortPointGatewayURL is the production transaction endpoint.
const DefaultFortPointGatewayURL = "https://secure.fppgateway.com/api/transact.php"

// Gateway response vocabulary. Approval requires both the response flag and
// the detailed response code.
const (
	fortPointResponseApproved = "1"
	fortPointResponseDeclined = "2"
	fortPointCodeApproved     = "100"
)

// FortPointLogger defines the logging contract for gateway operations.
type FortPointLogger func(ctx context.Context, event string, fields map[string]any)

// FortPointConfig configures the FortPointProvider.
type FortPointConfig struct {
	SecurityKey string
	GatewayURL  string
	HTTPClient  *http.Client
	Logger      FortPointLogger
}

// FortPointProvider implements the Provider interface against the FortPoint
// form-encoded transaction gateway.
type FortPointProvider struct {
	securityKey string
	gatewayURL  string
	http        *http.Client
	logger      FortPointLogger
}

// NewFortPointProvider constructs a FortPoint Provider using the given
// configuration.
func NewFortPointProvider(cfg FortPointConfig) (*FortPointProvider, error) {
	securityKey := strings.TrimSpace(cfg.SecurityKey)
	if securityKey == "" {
		return nil, errors.New("fortpoint: security key is required")
	}
	gatewayURL := strings.TrimSpace(cfg.GatewayURL)
	if gatewayURL == "" {
		gatewayURL = DefaultFortPointGatewayURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &FortPointProvider{
		securityKey: securityKey,
		gatewayURL:  gatewayURL,
		http:        httpClient,
		logger:      logger,
	}, nil
}

// Authorize places a hold for the requested amount using either a one-time
// payment token or raw card fields.
func (p *FortPointProvider) Authorize(ctx context.Context, req AuthorizationRequest) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("fortpoint: provider is nil")
	}
	if req.Amount.IsZero() || req.Amount.IsNegative() {
		return Transaction{}, errors.New("fortpoint: authorization amount must be positive")
	}
	if req.PaymentToken == "" && req.Card == nil {
		return Transaction{}, errors.New("fortpoint: payment token or card details required")
	}

	form := url.Values{}
	form.Set("type", "auth")
	form.Set("security_key", p.securityKey)
	form.Set("amount", req.Amount.StringFixed(2))
	if req.SendReceipt {
		form.Set("customer_receipt", "true")
	}
	if req.PaymentToken != "" {
		form.Set("payment_token", req.PaymentToken)
	}
	if req.Card != nil {
		if req.Card.Number != "" {
			form.Set("ccnumber", req.Card.Number)
		}
		if req.Card.Expiry != "" {
			form.Set("ccexp", req.Card.Expiry)
		}
	}
	if req.Customer != nil {
		applyCustomerFields(form, req.Customer)
	}

	txn, err := p.transact(ctx, form)
	if err != nil {
		return Transaction{}, err
	}
	txn.Status = StatusAuthorized
	p.logger(ctx, "fortpoint.authorized", map[string]any{
		"transaction_id": txn.TransactionID,
		"amount":         req.Amount.StringFixed(2),
	})
	return txn, nil
}

// Capture settles a held authorization, attaching contract numbers and the
// payment plan as merchant-defined fields.
func (p *FortPointProvider) Capture(ctx context.Context, req CaptureRequest) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("fortpoint: provider is nil")
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return Transaction{}, errors.New("fortpoint: transaction id is required")
	}
	if req.Amount.IsZero() || req.Amount.IsNegative() {
		return Transaction{}, errors.New("fortpoint: capture amount must be positive")
	}

	form := url.Values{}
	form.Set("type", "capture")
	form.Set("security_key", p.securityKey)
	form.Set("transactionid", req.TransactionID)
	form.Set("amount", req.Amount.StringFixed(2))
	form.Set("merchant_defined_field_1", "This transaction was processed through the Click4Coverage website")
	if len(req.ContractNumbers) > 0 {
		form.Set("merchant_defined_field_2", "PCRS Contract Number(s):\n"+strings.Join(req.ContractNumbers, "\n"))
	}
	switch req.PaymentType {
	case domain.PaymentTypeFull:
		form.Set("merchant_defined_field_4", "This user paid the transaction in full")
	case domain.PaymentTypeBuydown:
		form.Set("merchant_defined_field_4", "This user paid using the buydown feature")
		form.Set("merchant_defined_field_5", "FortPoint Subscription ID:\n"+req.SubscriptionID)
	}

	txn, err := p.transact(ctx, form)
	if err != nil {
		return Transaction{}, err
	}
	txn.Status = StatusCaptured
	p.logger(ctx, "fortpoint.captured", map[string]any{
		"transaction_id": txn.TransactionID,
		"amount":         req.Amount.StringFixed(2),
		"contracts":      len(req.ContractNumbers),
	})
	return txn, nil
}

// Void releases a held authorization so no charge reaches the customer's
// statement.
func (p *FortPointProvider) Void(ctx context.Context, req VoidRequest) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("fortpoint: provider is nil")
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return Transaction{}, errors.New("fortpoint: transaction id is required")
	}

	form := url.Values{}
	form.Set("type", "void")
	form.Set("security_key", p.securityKey)
	form.Set("transactionid", req.TransactionID)

	txn, err := p.transact(ctx, form)
	if err != nil {
		return Transaction{}, err
	}
	txn.Status = StatusVoided
	p.logger(ctx, "fortpoint.voided", map[string]any{"transaction_id": txn.TransactionID})
	return txn, nil
}

// transact performs one form-encoded round trip and decodes the key=value
// response body. Only response=1 with response_code=100 is an approval.
func (p *FortPointProvider) transact(ctx context.Context, form url.Values) (Transaction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Transaction{}, fmt.Errorf("fortpoint: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return Transaction{}, fmt.Errorf("fortpoint: gateway request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transaction{}, fmt.Errorf("fortpoint: read response: %w", err)
	}
	parsed, err := url.ParseQuery(string(body))
	if err != nil {
		return Transaction{}, fmt.Errorf("fortpoint: parse response: %w", err)
	}

	raw := make(map[string]string, len(parsed))
	for key := range parsed {
		raw[key] = parsed.Get(key)
	}

	txn := Transaction{
		TransactionID: parsed.Get("transactionid"),
		ResponseCode:  parsed.Get("response_code"),
		Message:       parsed.Get("responsetext"),
		Raw:           raw,
	}

	response := parsed.Get("response")
	if response != fortPointResponseApproved || txn.ResponseCode != fortPointCodeApproved {
		if response == fortPointResponseDeclined {
			txn.Status = StatusDeclined
		}
		return txn, &GatewayError{
			Provider:     "fortpoint",
			Response:     response,
			ResponseCode: txn.ResponseCode,
			Message:      txn.Message,
		}
	}
	return txn, nil
}

func applyCustomerFields(form url.Values, customer *domain.Customer) {
	form.Set("first_name", customer.FirstName)
	form.Set("last_name", customer.LastName)
	form.Set("address1", customer.Address.Address1)
	form.Set("city", customer.Address.City)
	form.Set("state", customer.Address.State)
	form.Set("zip", customer.Address.PostalCode)
	form.Set("country", customer.Address.CountryCode)
	form.Set("phone", customer.Phone)
	form.Set("email", customer.Email)
}
