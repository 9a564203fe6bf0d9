package pcrs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
)

func newTestHomeClient(t *testing.T, server *httptest.Server, clock func() time.Time) *HomeClient {
	t.Helper()
	client, err := NewHomeClient(HomeClientDeps{
		BaseURL:      server.URL,
		DealerNumber: "H-9920",
		HTTPClient:   server.Client(),
		Tokens:       staticTokens{token: "tok-home"},
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("NewHomeClient: %v", err)
	}
	return client
}

func testHomeSelection() domain.HomeSelection {
	return domain.HomeSelection{
		CoverageCode:  "BEETTLB2Y8K100D",
		CoverageTitle: "Total Home Package",
		CoverageType:  "total",
		DurationYears: 2,
		AddOns: []domain.HomeAddOn{
			{Code: "BEEBL2Y100D", Name: "Boiler", Price: decimal.RequireFromString("38.63")},
			{Code: "BEEWP2Y100D", Name: "Well Pump", Price: decimal.RequireFromString("206.22")},
		},
	}
}

func TestBuildHomeContractRequest(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	// 01:30 UTC on March 11 is still March 10 in New York.
	clock := func() time.Time { return time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC) }
	client := newTestHomeClient(t, server, clock)

	req := client.BuildContractRequest(testHomeSelection(), testCustomer())

	if req.DealerNumber != "H-9920" {
		t.Fatalf("dealer number = %s", req.DealerNumber)
	}
	if req.DealerInvoiceNumber != "C4C25" || req.StoreLocationNumber != "C4C25" {
		t.Fatalf("invoice/store = %s/%s, want C4C25/C4C25", req.DealerInvoiceNumber, req.StoreLocationNumber)
	}
	if req.Status != "S" {
		t.Fatalf("status = %s, want S", req.Status)
	}
	if req.Coverage.WarrantySKUCode != "BEETTLB2Y8K100D" {
		t.Fatalf("sku = %s", req.Coverage.WarrantySKUCode)
	}
	if req.Coverage.AdditionalWarranty != "BEEBL2Y100D;BEEWP2Y100D" {
		t.Fatalf("additional warranty = %s", req.Coverage.AdditionalWarranty)
	}
	if req.TransactionDate != "03/10/2026" {
		t.Fatalf("transaction date = %s, want 03/10/2026", req.TransactionDate)
	}
	if len(req.Products) != 1 || req.Products[0].ProductPurchaseDate != req.TransactionDate {
		t.Fatalf("products = %+v", req.Products)
	}
	if req.Customer.Contact.Phone.MainPhone != "5558675309" {
		t.Fatalf("phone = %s", req.Customer.Contact.Phone.MainPhone)
	}
	if req.Customer.Address.ZipCode != "43004" || req.Customer.Address.Country != "US" {
		t.Fatalf("address = %+v", req.Customer.Address)
	}
}

func TestBuildHomeContractRequestNoAddOns(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	client := newTestHomeClient(t, server, fixedClock)

	selection := testHomeSelection()
	selection.AddOns = nil

	req := client.BuildContractRequest(selection, testCustomer())
	if req.Coverage.AdditionalWarranty != "" {
		t.Fatalf("additional warranty = %q, want empty", req.Coverage.AdditionalWarranty)
	}
}

func TestHomeCreateContract(t *testing.T) {
	var captured HomeContractRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/AddContract" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-home" {
			t.Errorf("authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request not json: %v", err)
		}
		io.WriteString(w, `{"contractNumber": "HM-7001"}`)
	}))
	defer server.Close()

	client := newTestHomeClient(t, server, fixedClock)
	req := client.BuildContractRequest(testHomeSelection(), testCustomer())

	result, err := client.CreateContract(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if result.ContractNumber != "HM-7001" {
		t.Fatalf("contract number = %s", result.ContractNumber)
	}
	if captured.Coverage.WarrantySKUCode != "BEETTLB2Y8K100D" {
		t.Fatalf("captured sku = %s", captured.Coverage.WarrantySKUCode)
	}
}

func TestHomeCreateContractMissingNumberStillSucceeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := newTestHomeClient(t, server, fixedClock)
	result, err := client.CreateContract(context.Background(), HomeContractRequest{})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	if result.ContractNumber != "" {
		t.Fatalf("contract number = %q, want empty", result.ContractNumber)
	}
}

func TestHomeCreateContractErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"message": "upstream unavailable"}`)
	}))
	defer server.Close()

	client := newTestHomeClient(t, server, fixedClock)
	_, err := client.CreateContract(context.Background(), HomeContractRequest{})
	if err == nil {
		t.Fatal("gateway error accepted")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if !apiErr.Temporary() {
		t.Fatal("502 not temporary")
	}
}
