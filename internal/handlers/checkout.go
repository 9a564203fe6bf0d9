package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/click4coverage/api/internal/domain"
	"github.com/click4coverage/api/internal/platform/httpx"
	"github.com/click4coverage/api/internal/quote"
	"github.com/click4coverage/api/internal/services"
)

type checkoutRequest struct {
	PaymentToken   string               `json:"paymentToken"`
	Card           *checkoutCardRequest `json:"card"`
	TermsAccepted  bool                 `json:"termsAccepted"`
	SubscriptionID string               `json:"subscriptionId"`
}

type checkoutCardRequest struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
}

type checkoutResponse struct {
	Status        string                  `json:"status"`
	TransactionID string                  `json:"transactionId,omitempty"`
	AmountPaid    string                  `json:"amountPaid,omitempty"`
	Contracts     []domain.ContractResult `json:"contracts,omitempty"`
	Buydown       *domain.BuydownSchedule `json:"buydown,omitempty"`
	Session       statePayload            `json:"session"`
}

// runCheckout executes the payment and contract sequence for a session. Only
// one attempt may run per session at a time; the wizard must already be on
// the checkout step.
func (h *QuoteHandlers) runCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := session.BeginCheckout(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "a checkout attempt is already running for this session", http.StatusConflict))
		return
	}
	defer session.EndCheckout()

	cmd := services.CheckoutCommand{
		PaymentToken:   strings.TrimSpace(req.PaymentToken),
		TermsAccepted:  req.TermsAccepted,
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
	}
	if req.Card != nil {
		cmd.Card = &services.CardInput{
			Number: strings.TrimSpace(req.Card.Number),
			Expiry: strings.TrimSpace(req.Card.Expiry),
		}
	}

	err := session.Do(func(s *quote.State) error {
		if s.Step != quote.StepCheckout {
			return quote.ErrIllegalTransition
		}
		if s.Customer == nil {
			return errCustomerMissing
		}
		cmd.Vehicles = append([]quote.VehicleSlot(nil), s.Vehicles...)
		cmd.Home = s.Home
		cmd.Customer = *s.Customer
		cmd.PaymentType = s.PaymentType
		return nil
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	result, err := h.checkout.Checkout(ctx, cmd)
	if err != nil {
		h.logger(ctx, "quote.checkout_failed", map[string]any{
			"session_id": session.ID,
			"state":      string(result.State),
			"error":      err.Error(),
		})
		h.writeCheckoutError(ctx, w, err)
		return
	}

	var payload statePayload
	err = session.Do(func(s *quote.State) error {
		s.SetAmountPaid(result.AmountPaid)
		stepErr := s.SetStep(quote.StepSuccess)
		// The purchase is complete either way; the response always carries
		// the real session state.
		payload = snapshotState(session.ID, s)
		return stepErr
	})
	if err != nil {
		h.logger(ctx, "quote.checkout_step_conflict", map[string]any{
			"session_id": session.ID,
			"error":      err.Error(),
		})
	}

	writeJSONResponse(w, http.StatusOK, checkoutResponse{
		Status:        string(result.State),
		TransactionID: result.TransactionID,
		AmountPaid:    result.AmountPaid.StringFixed(2),
		Contracts:     result.Contracts,
		Buydown:       result.Buydown,
		Session:       payload,
	})
}

var errCustomerMissing = errors.New("handlers: customer details missing")

func (h *QuoteHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var fields domain.FieldErrors
	var contractFailure *services.ContractFailure
	switch {
	case errors.As(err, &fields):
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "one or more fields are invalid", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": fields.Details()}))
	case errors.Is(err, errCustomerMissing):
		httpx.WriteError(ctx, w, httpx.NewError("review_incomplete", "complete the review step before checkout", http.StatusConflict))
	case errors.Is(err, quote.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", "checkout is only available from the checkout step", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutTermsNotAccepted):
		httpx.WriteError(ctx, w, httpx.NewError("terms_not_accepted", "the terms and conditions must be accepted", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "nothing in the cart to purchase", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPreviewMissing):
		httpx.WriteError(ctx, w, httpx.NewError("preview_incomplete", "complete the review step before a buy-down checkout", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutPaymentDeclined):
		httpx.WriteError(ctx, w, httpx.NewError("payment_declined", err.Error(), http.StatusPaymentRequired))
	case errors.As(err, &contractFailure):
		httpx.WriteError(ctx, w, httpx.NewError("contract_failed", contractFailure.Detail, http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutContractFailed):
		httpx.WriteError(ctx, w, httpx.NewError("contract_failed", "contract creation failed; the payment hold was released", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutCaptureFailed):
		httpx.WriteError(ctx, w, httpx.NewError("capture_failed", "payment settlement failed after contract creation; support has been notified", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
