package pcrs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context) (string, error) { return s.token, nil }

func fixedClock() time.Time {
	return time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
}

func newTestAutoClient(t *testing.T, server *httptest.Server) *AutoClient {
	t.Helper()
	client, err := NewAutoClient(AutoClientDeps{
		BaseURL:      server.URL,
		DealerNumber: "D-4477",
		HTTPClient:   server.Client(),
		Tokens:       staticTokens{token: "tok-123"},
		Clock:        fixedClock,
	})
	if err != nil {
		t.Fatalf("NewAutoClient: %v", err)
	}
	return client
}

func testCustomer() domain.Customer {
	return domain.Customer{
		FirstName: "Dana",
		LastName:  "Reyes",
		Phone:     "5558675309",
		Email:     "dana@example.com",
		Address: domain.CustomerAddress{
			CountryCode: "US",
			Address1:    "100 Main St",
			City:        "Columbus",
			State:       "OH",
			PostalCode:  "43004",
		},
	}
}

func TestGetCoverageRatesMapsPlanMatrix(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/GetCoverageRates" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request not json: %v", err)
		}
		io.WriteString(w, `{
			"rates": [{
				"code": "EP",
				"description": "Essential Plus",
				"terms": [{
					"termMonths": 48,
					"termOdometer": 48000,
					"dealerCost": 812.50,
					"deductible": {"type": "Disappearing", "amount": 100},
					"components": [{
						"lossCodes": [
							{"coverageLossCodeId": 11, "description": "4x4", "dealerCost": 75.00, "isSelectable": false, "isSelected": true},
							{"coverageLossCodeId": 21, "description": "Rental", "dealerCost": 35.00, "isSelectable": true, "isSelected": false},
							{"coverageLossCodeId": 31, "description": "Unused", "dealerCost": 10.00, "isSelectable": false, "isSelected": false}
						]
					}]
				}]
			}]
		}`)
	}))
	defer server.Close()

	client := newTestAutoClient(t, server)
	vehicle := domain.Vehicle{VIN: "1HGCM82633A004352", VehicleYear: 2019, Make: "Honda", Model: "Accord", AgeType: domain.VehicleAgeUsed}

	terms, err := client.GetCoverageRates(context.Background(), vehicle, 42000)
	if err != nil {
		t.Fatalf("GetCoverageRates: %v", err)
	}

	if captured["saleDate"] != "2026-03-10" {
		t.Fatalf("saleDate = %v, want 2026-03-10", captured["saleDate"])
	}
	if captured["dealerNumber"] != "D-4477" {
		t.Fatalf("dealerNumber = %v", captured["dealerNumber"])
	}
	wireVehicle := captured["vehicle"].(map[string]any)
	if wireVehicle["vehicleAgeType"] != "Used" {
		t.Fatalf("vehicleAgeType = %v, want Used", wireVehicle["vehicleAgeType"])
	}

	if len(terms) != 1 {
		t.Fatalf("terms = %d, want 1", len(terms))
	}
	term := terms[0]
	if term.PlanCode != "EP" || term.TermMonths != 48 {
		t.Fatalf("term = %+v", term)
	}
	if !term.DealerCost.Equal(decimal.RequireFromString("812.50")) {
		t.Fatalf("dealer cost = %s", term.DealerCost)
	}
	if !term.Deductible.Disappearing {
		t.Fatal("disappearing deductible not mapped")
	}
	if len(term.Surcharges) != 1 || term.Surcharges[0].ID != 11 {
		t.Fatalf("surcharges = %+v", term.Surcharges)
	}
	if len(term.Options) != 1 || term.Options[0].ID != 21 {
		t.Fatalf("options = %+v", term.Options)
	}
}

func TestGetCoverageRatesIneligibleVehicle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"details": [{"code": "CNT0122", "message": "Vehicle exceeds maximum age"}]}`)
	}))
	defer server.Close()

	client := newTestAutoClient(t, server)
	vehicle := domain.Vehicle{VIN: "1HGCM82633A004352", VehicleYear: 1995, Make: "Honda", Model: "Accord", AgeType: domain.VehicleAgeUsed}

	_, err := client.GetCoverageRates(context.Background(), vehicle, 250000)
	if !errors.Is(err, ErrVehicleIneligible) {
		t.Fatalf("err = %v, want ErrVehicleIneligible", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.FirstDetailMessage() != "Vehicle exceeds maximum age" {
		t.Fatalf("detail message = %q", apiErr.FirstDetailMessage())
	}
	if apiErr.Temporary() {
		t.Fatal("client error reported as temporary")
	}
}

func TestAPIErrorNestedEnvelope(t *testing.T) {
	err := decodeAPIError("AddOrUpdate", 422, []byte(`{"error": {"message": "rejected", "details": [{"code": "CNT0090", "message": "Descriptor missing"}]}}`))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Message != "rejected" {
		t.Fatalf("message = %q", apiErr.Message)
	}
	if apiErr.FirstDetailMessage() != "Descriptor missing" {
		t.Fatalf("detail = %q", apiErr.FirstDetailMessage())
	}
	if errors.Is(err, ErrVehicleIneligible) {
		t.Fatal("unrelated code mapped to ErrVehicleIneligible")
	}
}

func TestAPIErrorTemporary(t *testing.T) {
	if !(&APIError{Status: 503}).Temporary() {
		t.Fatal("503 not temporary")
	}
	if !(&APIError{Status: 429}).Temporary() {
		t.Fatal("429 not temporary")
	}
	if (&APIError{Status: 400}).Temporary() {
		t.Fatal("400 temporary")
	}
}

func TestBuildContractRequest(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	client := newTestAutoClient(t, server)

	vehicle := domain.Vehicle{VIN: "1HGCM82633A004352", VehicleYear: 2019, Make: "Honda", Model: "Accord", AgeType: domain.VehicleAgeUsed}
	coverage := domain.SelectedCoverage{
		PlanCode:        "EP",
		PlanDescription: "Essential Plus",
		TermMonths:      48,
		TermOdometer:    48000,
		Deductible:      domain.Deductible{Amount: decimal.NewFromInt(100)},
		LossCodeIDs:     []int{11, 21},
	}

	req := client.BuildContractRequest(vehicle, 42000, coverage, testCustomer())

	if req.SaleDate != "2026-03-10" {
		t.Fatalf("saleDate = %s", req.SaleDate)
	}
	if req.StartingOdometer != 42000 || req.EndingOdometer != 90000 {
		t.Fatalf("odometer range = %d..%d, want 42000..90000", req.StartingOdometer, req.EndingOdometer)
	}
	if len(req.Coverages) != 1 {
		t.Fatalf("coverages = %d, want 1", len(req.Coverages))
	}
	cov := req.Coverages[0]
	if cov.Term.TermMonths != 48 || cov.Term.TermOdometer != 48000 {
		t.Fatalf("term block = %+v", cov.Term)
	}
	if cov.Deductible.Type != "Standard" {
		t.Fatalf("deductible type = %s, want Standard", cov.Deductible.Type)
	}
	if req.Customer.Address.PostalCode != "43004" {
		t.Fatalf("postal code = %s", req.Customer.Address.PostalCode)
	}
}

func TestCreateContractReturnsNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/AddOrUpdate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"contracts": [{"contract": {"contractNumber": "AC-100200"}}]}`)
	}))
	defer server.Close()

	client := newTestAutoClient(t, server)
	result, err := client.CreateContract(context.Background(), ContractRequest{})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if result.ContractNumber != "AC-100200" {
		t.Fatalf("contract number = %s", result.ContractNumber)
	}
}

func TestCreateContractMissingNumberIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"contracts": []}`)
	}))
	defer server.Close()

	client := newTestAutoClient(t, server)
	if _, err := client.CreateContract(context.Background(), ContractRequest{}); err == nil {
		t.Fatal("empty contract list accepted")
	}
}

func TestGetContractPreviewMapsBuckets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/GetContractPreview" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"buckets": [
			{"code": "RES", "description": "Reserve", "amount": 120.00},
			{"code": "ADM", "description": "Admin", "amount": 45.50}
		]}`)
	}))
	defer server.Close()

	client := newTestAutoClient(t, server)
	buckets, err := client.GetContractPreview(context.Background(), ContractRequest{})
	if err != nil {
		t.Fatalf("GetContractPreview: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(buckets))
	}
	if buckets[0].Code != "RES" || !buckets[0].Amount.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("bucket[0] = %+v", buckets[0])
	}
}

func TestAddNotePayload(t *testing.T) {
	var captured noteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/AddNote" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request not json: %v", err)
		}
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := newTestAutoClient(t, server)
	if err := client.AddNote(context.Background(), "AC-100200", "txn-991"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}

	if captured.Note.ContractNumber != "AC-100200" {
		t.Fatalf("contract number = %s", captured.Note.ContractNumber)
	}
	if captured.Note.Type != "Information" {
		t.Fatalf("note type = %s", captured.Note.Type)
	}
	if want := "transactionID: txn-991"; !strings.Contains(captured.Note.Text, want) {
		t.Fatalf("note text %q missing %q", captured.Note.Text, want)
	}
}
