// Package payments adapts payment gateways behind a single provider
// interface. Checkout drives a three-step auth/capture/void lifecycle and
// never settles money until every contract it covers exists.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
)

// Status enumerates the normalised transaction states shared across providers.
type Status string

const (
	// StatusAuthorized indicates funds are held but not yet settled.
	StatusAuthorized Status = "authorized"
	// StatusCaptured indicates the held funds have been settled.
	StatusCaptured Status = "captured"
	// StatusVoided indicates a prior authorization was released.
	StatusVoided Status = "voided"
	// StatusDeclined indicates the gateway refused the transaction.
	StatusDeclined Status = "declined"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrPaymentDeclined indicates the gateway declined the card or token.
	ErrPaymentDeclined = errors.New("payments: payment declined")
)

// GatewayError is a non-approval response from a payment gateway.
type GatewayError struct {
	Provider     string
	Response     string
	ResponseCode string
	Message      string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payments: %s response %s code %s: %s", e.Provider, e.Response, e.ResponseCode, e.Message)
}

// Is maps decline responses onto ErrPaymentDeclined for errors.Is callers.
func (e *GatewayError) Is(target error) bool {
	return target == ErrPaymentDeclined && e.Response == "2"
}

// CardDetails carries raw card fields when no tokenized payment is available.
type CardDetails struct {
	Number string
	Expiry string
}

// AuthorizationRequest places a hold for the amount due today. Exactly one
// of PaymentToken or Card must be set.
type AuthorizationRequest struct {
	Amount       decimal.Decimal
	PaymentToken string
	Card         *CardDetails
	Customer     *domain.Customer
	SendReceipt  bool
}

// CaptureRequest settles a previously authorized transaction. Contract
// numbers and payment plan details ride along as gateway metadata for
// reconciliation.
type CaptureRequest struct {
	TransactionID   string
	Amount          decimal.Decimal
	ContractNumbers []string
	PaymentType     domain.PaymentType
	SubscriptionID  string
}

// VoidRequest releases a held authorization.
type VoidRequest struct {
	TransactionID string
}

// Transaction is the normalised gateway response.
type Transaction struct {
	Provider      string
	TransactionID string
	Status        Status
	ResponseCode  string
	Message       string
	Raw           map[string]string
}

// Provider defines the contract for gateway adapters to implement.
type Provider interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (Transaction, error)
	Capture(ctx context.Context, req CaptureRequest) (Transaction, error)
	Void(ctx context.Context, req VoidRequest) (Transaction, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no preference is given.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["fortpoint"]; ok {
		m.defaultProvider = "fortpoint"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Authorize delegates to the resolved provider.
func (m *Manager) Authorize(ctx context.Context, paymentCtx PaymentContext, req AuthorizationRequest) (Transaction, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Transaction{}, err
	}
	txn, err := provider.Authorize(ctx, req)
	if err != nil {
		return Transaction{}, err
	}
	txn.Provider = key
	return txn, nil
}

// Capture delegates to the resolved provider.
func (m *Manager) Capture(ctx context.Context, paymentCtx PaymentContext, req CaptureRequest) (Transaction, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Transaction{}, err
	}
	txn, err := provider.Capture(ctx, req)
	if err != nil {
		return Transaction{}, err
	}
	txn.Provider = key
	return txn, nil
}

// Void delegates to the resolved provider.
func (m *Manager) Void(ctx context.Context, paymentCtx PaymentContext, req VoidRequest) (Transaction, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Transaction{}, err
	}
	txn, err := provider.Void(ctx, req)
	if err != nil {
		return Transaction{}, err
	}
	txn.Provider = key
	return txn, nil
}
