package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/click4coverage/api/internal/domain"
	"github.com/click4coverage/api/internal/platform/httpx"
	"github.com/click4coverage/api/internal/quote"
	"github.com/click4coverage/api/internal/services"
)

const maxQuoteRequestBody = 16 * 1024

// QuoteHandlers exposes the quote wizard over HTTP. Each session holds one
// shopper's wizard state; every mutating endpoint runs under the session's
// mutex so concurrent requests cannot interleave partial writes.
type QuoteHandlers struct {
	sessions *quote.Registry
	rates    services.RateService
	home     services.HomeQuoteService
	checkout services.CheckoutService
	limiter  sessionLimiter
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// QuoteHandlersDeps wires the dependencies for the quote endpoints.
// SessionLimit/SessionWindow throttle session creation per client IP; zero
// values disable the limiter.
type QuoteHandlersDeps struct {
	Sessions      *quote.Registry
	Rates         services.RateService
	Home          services.HomeQuoteService
	Checkout      services.CheckoutService
	SessionLimit  int
	SessionWindow time.Duration
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewQuoteHandlers constructs the quote wizard handlers.
func NewQuoteHandlers(deps QuoteHandlersDeps) (*QuoteHandlers, error) {
	if deps.Sessions == nil {
		return nil, errors.New("quote handlers: session registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &QuoteHandlers{
		sessions: deps.Sessions,
		rates:    deps.Rates,
		home:     deps.Home,
		checkout: deps.Checkout,
		limiter:  newWindowLimiter(deps.SessionLimit, deps.SessionWindow, nil),
		logger:   logger,
	}, nil
}

// Routes registers the quote wizard endpoints.
func (h *QuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createSession)
	r.Route("/{sessionID}", func(s chi.Router) {
		s.Get("/", h.getSession)
		s.Delete("/", h.deleteSession)
		s.Post("/vehicle", h.submitVehicle)
		s.Post("/plan", h.selectPlan)
		s.Post("/bundle", h.bundleDecision)
		s.Get("/home/add-ons", h.listHomeAddOns)
		s.Post("/home", h.saveHomeCoverage)
		s.Post("/review", h.completeReview)
		s.Post("/checkout", h.runCheckout)
		s.Post("/back", h.goBack)
		s.Post("/reset", h.resetSession)
	})
}

type vehicleSlotPayload struct {
	Vehicle        *domain.Vehicle          `json:"vehicle,omitempty"`
	SaleOdometer   int                      `json:"saleOdometer"`
	Coverage       *domain.SelectedCoverage `json:"coverage,omitempty"`
	Costs          *domain.CostBreakdown    `json:"costs,omitempty"`
	PreviewBuckets []domain.PreviewBucket   `json:"previewBuckets,omitempty"`
}

type prefillPayload struct {
	VIN     string `json:"vin,omitempty"`
	Mileage int    `json:"mileage,omitempty"`
}

type statePayload struct {
	SessionID      string                `json:"sessionId"`
	Step           quote.Step            `json:"step"`
	Prefill        *prefillPayload       `json:"prefill,omitempty"`
	Vehicles       []vehicleSlotPayload  `json:"vehicles"`
	CurrentVehicle int                   `json:"currentVehicle"`
	AvailableRates []domain.CoverageTerm `json:"availableRates,omitempty"`
	Home           *domain.HomeSelection `json:"home,omitempty"`
	Customer       *domain.Customer      `json:"customer,omitempty"`
	PaymentType    domain.PaymentType    `json:"paymentType"`
	MasterPrice    string                `json:"masterPrice"`
	BundleDiscount bool                  `json:"bundleDiscount"`
	AmountPaid     string                `json:"amountPaid,omitempty"`
}

func snapshotState(sessionID string, s *quote.State) statePayload {
	slots := make([]vehicleSlotPayload, 0, len(s.Vehicles))
	for _, slot := range s.Vehicles {
		slots = append(slots, vehicleSlotPayload{
			Vehicle:        slot.Vehicle,
			SaleOdometer:   slot.SaleOdometer,
			Coverage:       slot.Coverage,
			Costs:          slot.Costs,
			PreviewBuckets: slot.PreviewBuckets,
		})
	}
	payload := statePayload{
		SessionID:      sessionID,
		Step:           s.Step,
		Vehicles:       slots,
		CurrentVehicle: s.CurrentVehicleIndex,
		AvailableRates: s.AvailableRates,
		Home:           s.Home,
		Customer:       s.Customer,
		PaymentType:    s.PaymentType,
		MasterPrice:    domain.RoundAmount(s.MasterPrice()).StringFixed(2),
		BundleDiscount: domain.QualifiesForBundleDiscount(len(s.CoveredVehicles()), s.Home != nil),
	}
	if s.Prefill != (quote.Prefill{}) {
		payload.Prefill = &prefillPayload{VIN: s.Prefill.VIN, Mileage: s.Prefill.Mileage}
	}
	if s.AmountPaid != nil {
		payload.AmountPaid = s.AmountPaid.StringFixed(2)
	}
	return payload
}

func (h *QuoteHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many quote sessions, slow down", http.StatusTooManyRequests))
		return
	}

	query := r.URL.Query()
	seed := quote.Seed{
		VIN:     query.Get("vin"),
		Product: query.Get("product"),
	}
	if raw := strings.TrimSpace(query.Get("mileage")); raw != "" {
		if mileage, err := strconv.Atoi(raw); err == nil {
			seed.Mileage = mileage
		}
	}

	session, err := h.sessions.Create(seed)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_error", "could not create quote session", http.StatusInternalServerError))
		return
	}
	h.logger(ctx, "quote.session_created", map[string]any{"session_id": session.ID})

	var payload statePayload
	_ = session.Do(func(s *quote.State) error {
		payload = snapshotState(session.ID, s)
		return nil
	})
	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *QuoteHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload statePayload
	_ = session.Do(func(s *quote.State) error {
		payload = snapshotState(session.ID, s)
		return nil
	})
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *QuoteHandlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	h.sessions.Delete(session.ID)
	w.WriteHeader(http.StatusNoContent)
}

type submitVehicleRequest struct {
	VehicleIndex *int   `json:"vehicleIndex"`
	VIN          string `json:"vin"`
	VehicleYear  int    `json:"vehicleYear"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Mileage      int    `json:"mileage"`
}

// submitVehicle records the vehicle, rates it, and moves to plan selection.
// The rating call runs outside the session mutex; only state writes hold it.
func (h *QuoteHandlers) submitVehicle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "rating service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req submitVehicleRequest
	if !h.decode(w, r, &req) {
		return
	}

	vehicle := domain.Vehicle{
		VIN:         strings.ToUpper(strings.TrimSpace(req.VIN)),
		VehicleYear: req.VehicleYear,
		Make:        strings.TrimSpace(req.Make),
		Model:       strings.TrimSpace(req.Model),
	}

	index := -1
	err := session.Do(func(s *quote.State) error {
		if index = s.CurrentVehicleIndex; req.VehicleIndex != nil {
			index = *req.VehicleIndex
		}
		return s.SetVehicleInfo(index, vehicle, req.Mileage)
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}

	terms, err := h.rates.FetchRates(ctx, vehicle, req.Mileage)
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}

	var payload statePayload
	err = session.Do(func(s *quote.State) error {
		s.SetAvailableRates(terms)
		if err := s.SetStep(quote.StepPlanSelection); err != nil {
			return err
		}
		payload = snapshotState(session.ID, s)
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type selectPlanRequest struct {
	VehicleIndex *int   `json:"vehicleIndex"`
	RateID       string `json:"rateId"`
	OptionIDs    []int  `json:"optionIds"`
}

// selectPlan locks in a rate choice, prices it, and moves to the bundle prompt.
func (h *QuoteHandlers) selectPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req selectPlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	rateID := strings.TrimSpace(req.RateID)
	if rateID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "rateId is required", http.StatusBadRequest))
		return
	}

	var payload statePayload
	err := session.Do(func(s *quote.State) error {
		var term *domain.CoverageTerm
		for i := range s.AvailableRates {
			if s.AvailableRates[i].RateID == rateID {
				term = &s.AvailableRates[i]
				break
			}
		}
		if term == nil {
			return errUnknownRate
		}

		costs := domain.ComputeVehicleCost(*term, req.OptionIDs)
		coverage := domain.SelectedCoverage{
			PlanCode:        term.PlanCode,
			PlanDescription: term.PlanName,
			TermMonths:      term.TermMonths,
			TermOdometer:    term.TermOdometer,
			Deductible:      term.Deductible,
			LossCodeIDs:     selectedLossCodeIDs(*term, req.OptionIDs),
		}

		index := s.CurrentVehicleIndex
		if req.VehicleIndex != nil {
			index = *req.VehicleIndex
		}
		if err := s.SetVehicleCoverage(index, coverage, costs); err != nil {
			return err
		}
		if err := s.SetStep(quote.StepBundlePrompt); err != nil {
			return err
		}
		payload = snapshotState(session.ID, s)
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// selectedLossCodeIDs collects the IDs the contract submission must carry:
// every surcharge plus the chosen options.
func selectedLossCodeIDs(term domain.CoverageTerm, optionIDs []int) []int {
	chosen := make(map[int]struct{}, len(optionIDs))
	for _, id := range optionIDs {
		chosen[id] = struct{}{}
	}
	ids := make([]int, 0, len(term.Surcharges)+len(optionIDs))
	for _, code := range term.Surcharges {
		ids = append(ids, code.ID)
	}
	for _, code := range term.Options {
		if _, ok := chosen[code.ID]; ok {
			ids = append(ids, code.ID)
		}
	}
	return ids
}

type bundleDecisionRequest struct {
	Choice string `json:"choice"`
}

// bundleDecision routes the shopper out of the bundle prompt: add another
// vehicle, shop home coverage, or continue to review.
func (h *QuoteHandlers) bundleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req bundleDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	var payload statePayload
	err := session.Do(func(s *quote.State) error {
		switch strings.ToLower(strings.TrimSpace(req.Choice)) {
		case "add-vehicle":
			// The step machine rejects this when every slot is already
			// covered. Past that guard, a false AddVehicleSlot means an
			// empty slot exists from an abandoned loop; refocus it.
			if err := s.SetStep(quote.StepVehicleInfo); err != nil {
				return err
			}
			if _, added := s.AddVehicleSlot(); !added {
				s.CurrentVehicleIndex = len(s.Vehicles) - 1
			}
		case "home":
			if err := s.SetStep(quote.StepHomeSelection); err != nil {
				return err
			}
		case "review":
			if err := s.SetStep(quote.StepCartReview); err != nil {
				return err
			}
		default:
			return errUnknownBundleChoice
		}
		payload = snapshotState(session.ID, s)
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *QuoteHandlers) listHomeAddOns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.session(w, r); !ok {
		return
	}
	if h.home == nil {
		httpx.WriteError(ctx, w, httpx.NewError("home_unavailable", "home coverage unavailable", http.StatusServiceUnavailable))
		return
	}

	duration, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("duration")))
	if err != nil || duration <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "duration query parameter is required", http.StatusBadRequest))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"duration": duration,
		"addOns":   h.home.ListAddOns(duration),
	})
}

type saveHomeRequest struct {
	CoverageType  string   `json:"coverageType"`
	DurationYears int      `json:"durationYears"`
	HomeSize      string   `json:"homeSize"`
	AddOns        []string `json:"addOns"`
}

// saveHomeCoverage prices the chosen home plan and continues to cart review.
func (h *QuoteHandlers) saveHomeCoverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.home == nil {
		httpx.WriteError(ctx, w, httpx.NewError("home_unavailable", "home coverage unavailable", http.StatusServiceUnavailable))
		return
	}

	var req saveHomeRequest
	if !h.decode(w, r, &req) {
		return
	}

	selection, err := h.home.QuoteHome(strings.TrimSpace(req.CoverageType), req.DurationYears, strings.TrimSpace(req.HomeSize), req.AddOns)
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}

	var payload statePayload
	err = session.Do(func(s *quote.State) error {
		s.SetHomeCoverage(&selection)
		if err := s.SetStep(quote.StepCartReview); err != nil {
			return err
		}
		payload = snapshotState(session.ID, s)
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type completeReviewRequest struct {
	Customer    domain.Customer    `json:"customer"`
	PaymentType domain.PaymentType `json:"paymentType"`
}

// completeReview stores the customer, runs a contract preview for every
// covered vehicle, and unlocks checkout. Preview calls run outside the
// session mutex against a snapshot of the covered slots.
func (h *QuoteHandlers) completeReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "rating service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req completeReviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	type previewTarget struct {
		index        int
		vehicle      domain.Vehicle
		saleOdometer int
		coverage     domain.SelectedCoverage
	}
	var targets []previewTarget
	err := session.Do(func(s *quote.State) error {
		if err := s.SetCustomer(req.Customer); err != nil {
			return err
		}
		if req.PaymentType != "" {
			if err := s.SetPaymentType(req.PaymentType); err != nil {
				return err
			}
		}
		for i, slot := range s.Vehicles {
			if slot.Covered() {
				targets = append(targets, previewTarget{
					index:        i,
					vehicle:      *slot.Vehicle,
					saleOdometer: slot.SaleOdometer,
					coverage:     *slot.Coverage,
				})
			}
		}
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}

	previews := make(map[int][]domain.PreviewBucket, len(targets))
	for _, target := range targets {
		buckets, err := h.rates.PreviewContract(ctx, target.vehicle, target.saleOdometer, target.coverage, req.Customer)
		if err != nil {
			h.writeQuoteError(ctx, w, err)
			return
		}
		previews[target.index] = buckets
	}

	var payload statePayload
	err = session.Do(func(s *quote.State) error {
		for index, buckets := range previews {
			if err := s.SetVehiclePreview(index, buckets); err != nil {
				return err
			}
		}
		if err := s.SetStep(quote.StepCheckout); err != nil {
			return err
		}
		payload = snapshotState(session.ID, s)
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type stepRequest struct {
	To quote.Step `json:"to"`
}

func (h *QuoteHandlers) goBack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}

	if session.CheckoutInFlight() {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "the session cannot move while a checkout attempt is running", http.StatusConflict))
		return
	}

	var payload statePayload
	err := session.Do(func(s *quote.State) error {
		if err := s.SetStep(req.To); err != nil {
			return err
		}
		payload = snapshotState(session.ID, s)
		return nil
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *QuoteHandlers) resetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if session.CheckoutInFlight() {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "the session cannot reset while a checkout attempt is running", http.StatusConflict))
		return
	}
	var payload statePayload
	_ = session.Do(func(s *quote.State) error {
		s.Reset()
		payload = snapshotState(session.ID, s)
		return nil
	})
	writeJSONResponse(w, http.StatusOK, payload)
}

// session resolves the path session id, writing the not-found envelope when
// it is missing or expired.
func (h *QuoteHandlers) session(w http.ResponseWriter, r *http.Request) (*quote.Session, bool) {
	ctx := r.Context()
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if id == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return nil, false
	}
	session, err := h.sessions.Get(id)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "quote session not found or expired", http.StatusNotFound))
		return nil, false
	}
	return session, true
}

// decode reads and unmarshals the request body, writing the error envelope on
// failure. Handlers treat a false return as already-responded.
func (h *QuoteHandlers) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxQuoteRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

var (
	errUnknownRate         = errors.New("handlers: unknown rate id")
	errUnknownBundleChoice = errors.New("handlers: unknown bundle choice")
)

// writeQuoteError translates service and store errors into the JSON envelope.
// Field-level validation failures carry their details; everything else maps
// to a stable machine code.
func (h *QuoteHandlers) writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	var fields domain.FieldErrors
	switch {
	case errors.As(err, &fields):
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "one or more fields are invalid", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": fields.Details()}))
	case errors.Is(err, errUnknownRate):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_rate", "rate id not in the offered set", http.StatusBadRequest))
	case errors.Is(err, errUnknownBundleChoice):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "choice must be add-vehicle, home, or review", http.StatusBadRequest))
	case errors.Is(err, quote.ErrVehicleCapReached):
		httpx.WriteError(ctx, w, httpx.NewError("vehicle_cap_reached", "a quote covers at most two vehicles", http.StatusConflict))
	case errors.Is(err, quote.ErrPreviewIncomplete):
		httpx.WriteError(ctx, w, httpx.NewError("preview_incomplete", "complete the review step before checkout", http.StatusConflict))
	case errors.Is(err, quote.ErrUnknownStep):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_step", "unknown wizard step", http.StatusBadRequest))
	case errors.Is(err, quote.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", "the wizard cannot move there from the current step", http.StatusConflict))
	case errors.Is(err, quote.ErrVehicleSlotEmpty), errors.Is(err, quote.ErrNoCoverageSelected), errors.Is(err, quote.ErrSlotOutOfRange), errors.Is(err, quote.ErrInvalidPaymentType):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrVehicleNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("vehicle_not_eligible", "this vehicle is not eligible for coverage", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrRatesUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "rating service is temporarily unavailable, try again", http.StatusBadGateway))
	case errors.Is(err, services.ErrHomeCoverageUnavailable), errors.Is(err, services.ErrHomeAddOnUnknown):
		httpx.WriteError(ctx, w, httpx.NewError("home_unavailable", err.Error(), http.StatusUnprocessableEntity))
	default:
		h.logger(ctx, "quote.unhandled_error", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process quote request", http.StatusInternalServerError))
	}
}
