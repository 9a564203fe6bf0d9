package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
	"github.com/click4coverage/api/internal/payments"
	"github.com/click4coverage/api/internal/pcrs"
	"github.com/click4coverage/api/internal/quote"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutTermsNotAccepted indicates the terms checkbox was not ticked.
	ErrCheckoutTermsNotAccepted = errors.New("checkout: terms not accepted")
	// ErrCheckoutCartEmpty indicates no covered vehicle or home plan to sell.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrCheckoutPreviewMissing indicates a buy-down attempt without preview data.
	ErrCheckoutPreviewMissing = errors.New("checkout: contract preview missing")
	// ErrCheckoutPaymentDeclined indicates the gateway refused the authorization.
	ErrCheckoutPaymentDeclined = errors.New("checkout: payment declined")
	// ErrCheckoutContractFailed indicates at least one contract creation was
	// rejected; the payment hold has been released.
	ErrCheckoutContractFailed = errors.New("checkout: contract creation failed")
	// ErrCheckoutCaptureFailed indicates contracts exist but settlement
	// failed. This is terminal and flagged for manual reconciliation.
	ErrCheckoutCaptureFailed = errors.New("checkout: capture failed")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// ContractFailure carries the shopper-facing message of the first rejected
// contract in a batch.
type ContractFailure struct {
	Detail string
}

func (e *ContractFailure) Error() string {
	return fmt.Sprintf("checkout: contract creation failed: %s", e.Detail)
}

func (e *ContractFailure) Is(target error) bool {
	return target == ErrCheckoutContractFailed
}

// checkoutPaymentManager abstracts payments.Manager for easier testing.
type checkoutPaymentManager interface {
	Authorize(ctx context.Context, paymentCtx payments.PaymentContext, req payments.AuthorizationRequest) (payments.Transaction, error)
	Capture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureRequest) (payments.Transaction, error)
	Void(ctx context.Context, paymentCtx payments.PaymentContext, req payments.VoidRequest) (payments.Transaction, error)
}

// homeContractAPI abstracts pcrs.HomeClient for easier testing.
type homeContractAPI interface {
	BuildContractRequest(selection domain.HomeSelection, customer domain.Customer) pcrs.HomeContractRequest
	CreateContract(ctx context.Context, req pcrs.HomeContractRequest) (domain.ContractResult, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Payments checkoutPaymentManager
	Auto     autoContractAPI
	Home     homeContractAPI
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	payments checkoutPaymentManager
	auto     autoContractAPI
	home     homeContractAPI
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required
// dependencies. The home client is optional; without it home plans cannot be
// checked out.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	if deps.Auto == nil {
		return nil, errors.New("checkout service: auto contract client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		payments: deps.Payments,
		auto:     deps.Auto,
		home:     deps.Home,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Checkout runs the full payment and contract sequence: validate, authorize
// the amount due today, create all contracts concurrently and wait for the
// whole batch, then either void on any contract failure or capture with
// contract numbers attached for reconciliation.
//
// Capture is never attempted before every contract creation has resolved,
// and a capture failure is terminal: contracts are live, so the hold is not
// voided.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if s == nil || s.payments == nil || s.auto == nil {
		return CheckoutResult{}, ErrCheckoutUnavailable
	}

	covered, err := s.validate(cmd)
	if err != nil {
		return CheckoutResult{State: AttemptFailed}, err
	}

	amountDue, buydown, err := s.amountDueToday(cmd, covered)
	if err != nil {
		return CheckoutResult{State: AttemptFailed}, err
	}
	amountDue = domain.RoundAmount(amountDue)

	txn, err := s.payments.Authorize(ctx, payments.PaymentContext{}, payments.AuthorizationRequest{
		Amount:       amountDue,
		PaymentToken: cmd.PaymentToken,
		Card:         cardDetails(cmd.Card),
		Customer:     &cmd.Customer,
		SendReceipt:  true,
	})
	if err != nil {
		s.logger(ctx, "checkout.authorize_failed", map[string]any{"error": err.Error()})
		if errors.Is(err, payments.ErrPaymentDeclined) {
			return CheckoutResult{State: AttemptFailed}, fmt.Errorf("%w: %s", ErrCheckoutPaymentDeclined, declineMessage(err))
		}
		return CheckoutResult{State: AttemptFailed}, err
	}
	s.logger(ctx, "checkout.authorized", map[string]any{
		"transaction_id": txn.TransactionID,
		"amount":         amountDue.StringFixed(2),
	})

	contracts, firstFailure := s.createContracts(ctx, cmd, covered)
	if firstFailure != nil {
		s.compensate(ctx, txn)
		return CheckoutResult{State: AttemptFailed, TransactionID: txn.TransactionID},
			&ContractFailure{Detail: failureDetail(firstFailure)}
	}

	capture := payments.CaptureRequest{
		TransactionID:   txn.TransactionID,
		Amount:          amountDue,
		ContractNumbers: contractNumbers(contracts),
		PaymentType:     cmd.PaymentType,
		SubscriptionID:  cmd.SubscriptionID,
	}
	if _, err := s.payments.Capture(ctx, payments.PaymentContext{PreferredProvider: txn.Provider}, capture); err != nil {
		// Contracts are live; voiding now would strand them unpaid. Flag for
		// manual reconciliation instead.
		s.logger(ctx, "checkout.capture_failed", map[string]any{
			"transaction_id": txn.TransactionID,
			"contracts":      contractNumbers(contracts),
			"error":          err.Error(),
		})
		return CheckoutResult{
			State:         AttemptCaptureFailed,
			TransactionID: txn.TransactionID,
			Contracts:     contracts,
		}, fmt.Errorf("%w: transaction %s", ErrCheckoutCaptureFailed, txn.TransactionID)
	}

	s.addNotes(ctx, contracts, txn.TransactionID)

	s.logger(ctx, "checkout.succeeded", map[string]any{
		"transaction_id": txn.TransactionID,
		"amount":         amountDue.StringFixed(2),
		"contracts":      len(contracts),
	})
	return CheckoutResult{
		State:         AttemptSucceeded,
		TransactionID: txn.TransactionID,
		AmountPaid:    amountDue,
		Contracts:     contracts,
		Buydown:       buydown,
	}, nil
}

// validate checks the command before any network call is made. Field-level
// customer problems surface as domain.FieldErrors.
func (s *checkoutService) validate(cmd CheckoutCommand) ([]quote.VehicleSlot, error) {
	if !cmd.TermsAccepted {
		return nil, ErrCheckoutTermsNotAccepted
	}
	if err := domain.Validate(cmd.Customer); err != nil {
		return nil, err
	}
	if cmd.PaymentToken == "" && cmd.Card == nil {
		return nil, fmt.Errorf("%w: payment token or card details required", ErrCheckoutInvalidInput)
	}
	switch cmd.PaymentType {
	case domain.PaymentTypeFull, domain.PaymentTypeBuydown:
	default:
		return nil, fmt.Errorf("%w: payment type %q", ErrCheckoutInvalidInput, cmd.PaymentType)
	}
	if cmd.Home != nil && s.home == nil {
		return nil, fmt.Errorf("%w: home contracts not configured", ErrCheckoutUnavailable)
	}

	covered := make([]quote.VehicleSlot, 0, len(cmd.Vehicles))
	for _, slot := range cmd.Vehicles {
		if slot.Covered() {
			covered = append(covered, slot)
		}
	}
	if len(covered) == 0 && cmd.Home == nil {
		return nil, ErrCheckoutCartEmpty
	}
	return covered, nil
}

// amountDueToday derives what the authorization must hold: the discounted
// total for full payment, or the initial reserve for buy-down.
func (s *checkoutService) amountDueToday(cmd CheckoutCommand, covered []quote.VehicleSlot) (decimal.Decimal, *domain.BuydownSchedule, error) {
	costs := make([]domain.CostBreakdown, 0, len(covered))
	for _, slot := range covered {
		costs = append(costs, *slot.Costs)
	}
	var homeTotal *decimal.Decimal
	if cmd.Home != nil {
		total := cmd.Home.TotalPrice
		homeTotal = &total
	}
	total := domain.ComputeMasterTotal(costs, homeTotal)
	total = domain.ApplyBundleDiscount(total, len(covered), cmd.Home != nil)

	if cmd.PaymentType == domain.PaymentTypeFull {
		return total, nil, nil
	}

	// Buy-down amortises over the longest covered term.
	buckets := make([][]domain.PreviewBucket, 0, len(covered))
	termMonths := 0
	for _, slot := range covered {
		if slot.PreviewBuckets == nil {
			return decimal.Zero, nil, ErrCheckoutPreviewMissing
		}
		buckets = append(buckets, slot.PreviewBuckets)
		if slot.Coverage.TermMonths > termMonths {
			termMonths = slot.Coverage.TermMonths
		}
	}
	initial := domain.InitialReserveAmount(buckets, cmd.Home)
	schedule := domain.ComputeBuydownSchedule(total, initial, termMonths)
	return schedule.Initial, &schedule, nil
}

type contractOutcome struct {
	result domain.ContractResult
	filled bool
	err    error
}

// createContracts issues every contract creation concurrently and waits for
// the whole batch. Failures are collected, not raced: a mixed batch must be
// distinguishable from a total one.
func (s *checkoutService) createContracts(ctx context.Context, cmd CheckoutCommand, covered []quote.VehicleSlot) ([]domain.ContractResult, error) {
	outcomes := make([]contractOutcome, len(covered)+1)

	var wg sync.WaitGroup
	for i, slot := range covered {
		wg.Add(1)
		go func(i int, slot quote.VehicleSlot) {
			defer wg.Done()
			req := s.auto.BuildContractRequest(*slot.Vehicle, slot.SaleOdometer, *slot.Coverage, cmd.Customer)
			result, err := s.auto.CreateContract(ctx, req)
			result.ProductLine = domain.ProductLineAuto
			outcomes[i] = contractOutcome{result: result, filled: true, err: err}
		}(i, slot)
	}
	if cmd.Home != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := s.home.BuildContractRequest(*cmd.Home, cmd.Customer)
			result, err := s.home.CreateContract(ctx, req)
			result.ProductLine = domain.ProductLineHome
			outcomes[len(covered)] = contractOutcome{result: result, filled: true, err: err}
		}()
	}
	wg.Wait()

	var contracts []domain.ContractResult
	var firstFailure error
	for _, outcome := range outcomes {
		if !outcome.filled {
			continue
		}
		if outcome.err != nil {
			if firstFailure == nil {
				firstFailure = outcome.err
			}
			continue
		}
		contracts = append(contracts, outcome.result)
	}
	return contracts, firstFailure
}

// compensate releases the payment hold after a contract failure. It is
// best-effort: a void failure is logged and surfaced to operations, but the
// contract error still reaches the shopper.
func (s *checkoutService) compensate(ctx context.Context, txn payments.Transaction) {
	_, err := s.payments.Void(ctx, payments.PaymentContext{PreferredProvider: txn.Provider}, payments.VoidRequest{
		TransactionID: txn.TransactionID,
	})
	if err != nil {
		s.logger(ctx, "checkout.void_failed", map[string]any{
			"transaction_id": txn.TransactionID,
			"error":          err.Error(),
		})
		return
	}
	s.logger(ctx, "checkout.voided", map[string]any{"transaction_id": txn.TransactionID})
}

// addNotes stamps each auto contract with the payment transaction reference.
// Home contracts live in a different deployment with no note endpoint, so
// they are skipped. Note failures never fail a completed checkout.
func (s *checkoutService) addNotes(ctx context.Context, contracts []domain.ContractResult, transactionID string) {
	for _, contract := range contracts {
		if contract.ContractNumber == "" || contract.ProductLine != domain.ProductLineAuto {
			continue
		}
		if err := s.auto.AddNote(ctx, contract.ContractNumber, transactionID); err != nil {
			s.logger(ctx, "checkout.note_failed", map[string]any{
				"contract_number": contract.ContractNumber,
				"error":           err.Error(),
			})
		}
	}
}

func cardDetails(card *CardInput) *payments.CardDetails {
	if card == nil {
		return nil
	}
	return &payments.CardDetails{Number: card.Number, Expiry: card.Expiry}
}

func contractNumbers(contracts []domain.ContractResult) []string {
	numbers := make([]string, 0, len(contracts))
	for _, contract := range contracts {
		if contract.ContractNumber != "" {
			numbers = append(numbers, contract.ContractNumber)
		}
	}
	return numbers
}

func declineMessage(err error) string {
	var gatewayErr *payments.GatewayError
	if errors.As(err, &gatewayErr) && gatewayErr.Message != "" {
		return gatewayErr.Message
	}
	return "transaction declined"
}

func failureDetail(err error) string {
	var apiErr *pcrs.APIError
	if errors.As(err, &apiErr) {
		if msg := apiErr.FirstDetailMessage(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
