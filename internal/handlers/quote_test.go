package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
	"github.com/click4coverage/api/internal/quote"
	"github.com/click4coverage/api/internal/services"
)

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", value, err)
	}
	return d
}

type stubRateService struct {
	terms      []domain.CoverageTerm
	termsErr   error
	buckets    []domain.PreviewBucket
	previewErr error
}

func (s *stubRateService) FetchRates(context.Context, domain.Vehicle, int) ([]domain.CoverageTerm, error) {
	if s.termsErr != nil {
		return nil, s.termsErr
	}
	return s.terms, nil
}

func (s *stubRateService) PreviewContract(context.Context, domain.Vehicle, int, domain.SelectedCoverage, domain.Customer) ([]domain.PreviewBucket, error) {
	if s.previewErr != nil {
		return nil, s.previewErr
	}
	return s.buckets, nil
}

type stubHomeService struct {
	selection domain.HomeSelection
	err       error
	addOns    []domain.HomeAddOn
}

func (s *stubHomeService) QuoteHome(string, int, string, []string) (domain.HomeSelection, error) {
	if s.err != nil {
		return domain.HomeSelection{}, s.err
	}
	return s.selection, nil
}

func (s *stubHomeService) ListAddOns(int) []domain.HomeAddOn {
	return s.addOns
}

type stubCheckoutService struct {
	result  services.CheckoutResult
	err     error
	lastCmd services.CheckoutCommand
	calls   int
}

func (s *stubCheckoutService) Checkout(_ context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	s.calls++
	s.lastCmd = cmd
	if s.err != nil {
		return services.CheckoutResult{State: services.AttemptFailed}, s.err
	}
	return s.result, nil
}

type testEnv struct {
	server   *httptest.Server
	rates    *stubRateService
	home     *stubHomeService
	checkout *stubCheckoutService
	registry *quote.Registry
}

func defaultTerm(t *testing.T) domain.CoverageTerm {
	t.Helper()
	return domain.CoverageTerm{
		RateID:       "EP-48-48000",
		PlanCode:     "EP",
		PlanName:     "Elite Protection",
		TermMonths:   48,
		TermOdometer: 48000,
		DealerCost:   dec(t, "450.00"),
		Surcharges: []domain.LossCode{
			{ID: 11, Code: "4X4", Price: dec(t, "50.00")},
		},
		Options: []domain.LossCode{
			{ID: 21, Code: "TECH", Price: dec(t, "75.00"), Selectable: true},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry, err := quote.NewRegistry(quote.RegistryDeps{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	env := &testEnv{
		registry: registry,
		rates: &stubRateService{
			terms:   []domain.CoverageTerm{defaultTerm(t)},
			buckets: []domain.PreviewBucket{{Code: "RES", Amount: dec(t, "100.00")}},
		},
		home: &stubHomeService{
			selection: domain.HomeSelection{
				CoverageCode: "BEEAPLB1Y5K100D",
				TotalPrice:   dec(t, "399.00"),
			},
		},
		checkout: &stubCheckoutService{
			result: services.CheckoutResult{
				State:         services.AttemptSucceeded,
				TransactionID: "txn-100",
				AmountPaid:    dec(t, "500.00"),
				Contracts:     []domain.ContractResult{{ContractNumber: "AC-001"}},
			},
		},
	}

	handlers, err := NewQuoteHandlers(QuoteHandlersDeps{
		Sessions: registry,
		Rates:    env.rates,
		Home:     env.home,
		Checkout: env.checkout,
	})
	if err != nil {
		t.Fatalf("NewQuoteHandlers: %v", err)
	}

	router := NewRouter(WithQuoteRoutes(handlers.Routes))
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader([]byte("{}"))
	} else {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp, payload
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	resp, payload := e.do(t, http.MethodPost, "/api/v1/quote", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	id, _ := payload["sessionId"].(string)
	if id == "" {
		t.Fatal("create session returned no id")
	}
	return id
}

func submitVehicleBody() map[string]any {
	return map[string]any{
		"vin":         "1HGCM82633A004352",
		"vehicleYear": 2019,
		"make":        "Honda",
		"model":       "Accord",
		"mileage":     42000,
	}
}

func reviewBody() map[string]any {
	return map[string]any{
		"customer": map[string]any{
			"firstName": "Dana",
			"lastName":  "Reyes",
			"phone":     "5558675309",
			"email":     "dana@example.com",
			"address": map[string]any{
				"countryCode": "US",
				"address1":    "100 Main St",
				"city":        "Columbus",
				"state":       "OH",
				"postalCode":  "43004",
			},
		},
	}
}

func TestCreateSessionSeedsFromQuery(t *testing.T) {
	env := newTestEnv(t)

	resp, payload := env.do(t, http.MethodPost, "/api/v1/quote?vin=1hgcm82633a004352&mileage=42000", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["step"] != string(quote.StepVehicleInfo) {
		t.Fatalf("step = %v", payload["step"])
	}
	prefill, ok := payload["prefill"].(map[string]any)
	if !ok {
		t.Fatalf("prefill missing from payload: %v", payload)
	}
	if prefill["vin"] != "1HGCM82633A004352" {
		t.Fatalf("prefill vin = %v", prefill["vin"])
	}
	if prefill["mileage"].(float64) != 42000 {
		t.Fatalf("prefill mileage = %v", prefill["mileage"])
	}
	// The slot itself stays empty until the shopper submits the form.
	vehicles := payload["vehicles"].([]any)
	slot := vehicles[0].(map[string]any)
	if slot["vehicle"] != nil {
		t.Fatalf("seed populated vehicle slot: %v", slot["vehicle"])
	}
}

func TestCreateSessionHomeProductStartsAtHomeSelection(t *testing.T) {
	env := newTestEnv(t)

	_, payload := env.do(t, http.MethodPost, "/api/v1/quote?product=home", nil)
	if payload["step"] != string(quote.StepHomeSelection) {
		t.Fatalf("step = %v", payload["step"])
	}
}

func TestGetUnknownSessionNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, payload := env.do(t, http.MethodGet, "/api/v1/quote/01JUNKSESSIONID", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["error"] != "session_not_found" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestWizardVehicleFlowToSuccess(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	resp, payload := env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vehicle status = %d: %v", resp.StatusCode, payload)
	}
	if payload["step"] != string(quote.StepPlanSelection) {
		t.Fatalf("step after vehicle = %v", payload["step"])
	}
	if len(payload["availableRates"].([]any)) != 1 {
		t.Fatalf("rates = %v", payload["availableRates"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/plan", map[string]any{
		"rateId":    "EP-48-48000",
		"optionIds": []int{21},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plan status = %d: %v", resp.StatusCode, payload)
	}
	if payload["step"] != string(quote.StepBundlePrompt) {
		t.Fatalf("step after plan = %v", payload["step"])
	}
	// 450 base + 50 surcharge + 75 selected option.
	if payload["masterPrice"] != "575.00" {
		t.Fatalf("master price = %v", payload["masterPrice"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/bundle", map[string]any{"choice": "review"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bundle status = %d: %v", resp.StatusCode, payload)
	}
	if payload["step"] != string(quote.StepCartReview) {
		t.Fatalf("step after bundle = %v", payload["step"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/review", reviewBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review status = %d: %v", resp.StatusCode, payload)
	}
	if payload["step"] != string(quote.StepCheckout) {
		t.Fatalf("step after review = %v", payload["step"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/checkout", map[string]any{
		"paymentToken":  "tok-abc",
		"termsAccepted": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkout status = %d: %v", resp.StatusCode, payload)
	}
	if payload["status"] != string(services.AttemptSucceeded) {
		t.Fatalf("checkout status field = %v", payload["status"])
	}
	if payload["amountPaid"] != "500.00" {
		t.Fatalf("amount paid = %v", payload["amountPaid"])
	}
	session := payload["session"].(map[string]any)
	if session["step"] != string(quote.StepSuccess) {
		t.Fatalf("session step = %v", session["step"])
	}
	if env.checkout.calls != 1 {
		t.Fatalf("checkout service calls = %d", env.checkout.calls)
	}
	if env.checkout.lastCmd.Customer.FirstName != "Dana" {
		t.Fatalf("command customer = %+v", env.checkout.lastCmd.Customer)
	}
}

func TestSelectPlanUnknownRate(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
	resp, payload := env.do(t, http.MethodPost, base+"/plan", map[string]any{"rateId": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["error"] != "unknown_rate" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestSubmitVehicleIneligible(t *testing.T) {
	env := newTestEnv(t)
	env.rates.termsErr = services.ErrVehicleNotEligible
	id := env.createSession(t)

	resp, payload := env.do(t, http.MethodPost, "/api/v1/quote/"+id+"/vehicle", submitVehicleBody())
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["error"] != "vehicle_not_eligible" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestSubmitVehicleValidationDetails(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	body := submitVehicleBody()
	body["vin"] = "BAD"
	resp, payload := env.do(t, http.MethodPost, "/api/v1/quote/"+id+"/vehicle", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["error"] != "validation_failed" {
		t.Fatalf("error = %v", payload["error"])
	}
	if _, ok := payload["fields"]; !ok {
		t.Fatalf("missing field details: %v", payload)
	}
}

func TestBundleHomeFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
	env.do(t, http.MethodPost, base+"/plan", map[string]any{"rateId": "EP-48-48000"})
	resp, payload := env.do(t, http.MethodPost, base+"/bundle", map[string]any{"choice": "home"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bundle status = %d", resp.StatusCode)
	}
	if payload["step"] != string(quote.StepHomeSelection) {
		t.Fatalf("step = %v", payload["step"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/home", map[string]any{
		"coverageType":  "appliance",
		"durationYears": 1,
		"homeSize":      "less-than-5",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("home status = %d: %v", resp.StatusCode, payload)
	}
	if payload["step"] != string(quote.StepCartReview) {
		t.Fatalf("step = %v", payload["step"])
	}
	home := payload["home"].(map[string]any)
	if home["coverageCode"] != "BEEAPLB1Y5K100D" {
		t.Fatalf("home = %v", home)
	}
	if payload["bundleDiscount"] != true {
		t.Fatalf("bundle discount flag = %v", payload["bundleDiscount"])
	}
}

func TestBundleAddVehicleCapConflict(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	coverCurrent := func() {
		env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
		env.do(t, http.MethodPost, base+"/plan", map[string]any{"rateId": "EP-48-48000"})
	}
	coverCurrent()

	resp, _ := env.do(t, http.MethodPost, base+"/bundle", map[string]any{"choice": "add-vehicle"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first add-vehicle status = %d", resp.StatusCode)
	}
	coverCurrent()

	resp, payload := env.do(t, http.MethodPost, base+"/bundle", map[string]any{"choice": "add-vehicle"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second add-vehicle status = %d", resp.StatusCode)
	}
	if payload["error"] != "vehicle_cap_reached" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestBackNavigation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
	resp, payload := env.do(t, http.MethodPost, base+"/back", map[string]any{"to": "vehicle-info"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("back status = %d", resp.StatusCode)
	}
	if payload["step"] != string(quote.StepVehicleInfo) {
		t.Fatalf("step = %v", payload["step"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/back", map[string]any{"to": "success"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("forward jump status = %d", resp.StatusCode)
	}
	if payload["error"] != "illegal_transition" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestBackRejectedWhileCheckoutRuns(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())

	session, err := env.registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := session.BeginCheckout(); err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	defer session.EndCheckout()

	resp, payload := env.do(t, http.MethodPost, base+"/back", map[string]any{"to": "vehicle-info"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("back during checkout status = %d", resp.StatusCode)
	}
	if payload["error"] != "checkout_in_progress" {
		t.Fatalf("error = %v", payload["error"])
	}

	resp, payload = env.do(t, http.MethodPost, base+"/reset", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reset during checkout status = %d", resp.StatusCode)
	}
	if payload["error"] != "checkout_in_progress" {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestResetReturnsToInitialState(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
	resp, payload := env.do(t, http.MethodPost, base+"/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if payload["step"] != string(quote.StepVehicleInfo) {
		t.Fatalf("step = %v", payload["step"])
	}
	if payload["masterPrice"] != "0.00" {
		t.Fatalf("master price = %v", payload["masterPrice"])
	}
}

func TestDeleteSessionRemovesIt(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	resp, _ := env.do(t, http.MethodDelete, "/api/v1/quote/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/v1/quote/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

func TestSessionCreationRateLimited(t *testing.T) {
	registry, err := quote.NewRegistry(quote.RegistryDeps{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	handlers, err := NewQuoteHandlers(QuoteHandlersDeps{
		Sessions:      registry,
		SessionLimit:  2,
		SessionWindow: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewQuoteHandlers: %v", err)
	}
	server := httptest.NewServer(NewRouter(WithQuoteRoutes(handlers.Routes)))
	defer server.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(server.URL+"/api/v1/quote", "application/json", nil)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(server.URL+"/api/v1/quote", "application/json", nil)
	if err != nil {
		t.Fatalf("third create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third create status = %d", resp.StatusCode)
	}
}

func TestListHomeAddOnsRequiresDuration(t *testing.T) {
	env := newTestEnv(t)
	env.home.addOns = []domain.HomeAddOn{{Code: "BEEBL1Y100D", Name: "Boiler", Price: dec(t, "30.89")}}
	id := env.createSession(t)
	base := "/api/v1/quote/" + id

	resp, _ := env.do(t, http.MethodGet, base+"/home/add-ons", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing duration status = %d", resp.StatusCode)
	}

	resp, payload := env.do(t, http.MethodGet, base+"/home/add-ons?duration=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(payload["addOns"].([]any)) != 1 {
		t.Fatalf("addOns = %v", payload["addOns"])
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	resp, payload := env.do(t, http.MethodGet, "/api/v1/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["error"] != errorNotFoundCode {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"declined", fmt.Errorf("%w: DECLINE", services.ErrCheckoutPaymentDeclined), http.StatusPaymentRequired, "payment_declined"},
		{"contract failed", &services.ContractFailure{Detail: "Vehicle descriptor missing"}, http.StatusBadGateway, "contract_failed"},
		{"capture failed", fmt.Errorf("%w: transaction txn-1", services.ErrCheckoutCaptureFailed), http.StatusBadGateway, "capture_failed"},
		{"terms", services.ErrCheckoutTermsNotAccepted, http.StatusBadRequest, "terms_not_accepted"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.checkout.err = tc.err
			id := env.createSession(t)
			base := "/api/v1/quote/" + id

			env.do(t, http.MethodPost, base+"/vehicle", submitVehicleBody())
			env.do(t, http.MethodPost, base+"/plan", map[string]any{"rateId": "EP-48-48000"})
			env.do(t, http.MethodPost, base+"/bundle", map[string]any{"choice": "review"})
			env.do(t, http.MethodPost, base+"/review", reviewBody())

			resp, payload := env.do(t, http.MethodPost, base+"/checkout", map[string]any{
				"paymentToken":  "tok-abc",
				"termsAccepted": true,
			})
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if payload["error"] != tc.wantCode {
				t.Fatalf("error = %v, want %s", payload["error"], tc.wantCode)
			}
		})
	}
}

func TestCheckoutRequiresCheckoutStep(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	resp, payload := env.do(t, http.MethodPost, "/api/v1/quote/"+id+"/checkout", map[string]any{
		"paymentToken":  "tok-abc",
		"termsAccepted": true,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["error"] != "illegal_transition" {
		t.Fatalf("error = %v", payload["error"])
	}
	if env.checkout.calls != 0 {
		t.Fatal("checkout service reached from wrong step")
	}
}
