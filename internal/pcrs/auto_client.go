package pcrs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
)

// Logger defines the logging contract for contract API operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// tokenSource abstracts TokenProvider for testing.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AutoClient talks to the vehicle-contract deployment.
type AutoClient struct {
	baseURL      string
	dealerNumber string
	http         *http.Client
	tokens       tokenSource
	clock        func() time.Time
	logger       Logger
}

// AutoClientDeps configures an AutoClient. BaseURL, DealerNumber, and Tokens
// are required.
type AutoClientDeps struct {
	BaseURL      string
	DealerNumber string
	HTTPClient   *http.Client
	Tokens       tokenSource
	Clock        func() time.Time
	Logger       Logger
}

// NewAutoClient validates dependencies and builds the client.
func NewAutoClient(deps AutoClientDeps) (*AutoClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pcrs: auto client requires a base url")
	}
	if strings.TrimSpace(deps.DealerNumber) == "" {
		return nil, errors.New("pcrs: auto client requires a dealer number")
	}
	if deps.Tokens == nil {
		return nil, errors.New("pcrs: auto client requires a token source")
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &AutoClient{
		baseURL:      baseURL,
		dealerNumber: strings.TrimSpace(deps.DealerNumber),
		http:         httpClient,
		tokens:       deps.Tokens,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
	}, nil
}

// Wire types for the contract-management API. Dollar amounts travel as JSON
// numbers; decimal handles them losslessly on decode.

type ratesRequest struct {
	SaleDate     string      `json:"saleDate"`
	DealerNumber string      `json:"dealerNumber"`
	SaleOdometer int         `json:"saleOdometer"`
	Vehicle      wireVehicle `json:"vehicle"`
}

type wireVehicle struct {
	VehicleYear    int    `json:"vehicleYear"`
	Make           string `json:"make"`
	Model          string `json:"model"`
	VIN            string `json:"vin"`
	VehicleAgeType string `json:"vehicleAgeType"`
}

type wireDeductible struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

type wireLossCode struct {
	CoverageLossCodeID int             `json:"coverageLossCodeId"`
	Description        string          `json:"description"`
	DealerCost         decimal.Decimal `json:"dealerCost"`
	IsSelectable       bool            `json:"isSelectable"`
	IsSelected         bool            `json:"isSelected"`
}

type wireComponent struct {
	LossCodes []wireLossCode `json:"lossCodes"`
}

type wireTerm struct {
	TermMonths   int             `json:"termMonths"`
	TermOdometer int             `json:"termOdometer"`
	DealerCost   decimal.Decimal `json:"dealerCost"`
	Deductible   wireDeductible  `json:"deductible"`
	Components   []wireComponent `json:"components"`
}

type wireRate struct {
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Terms       []wireTerm `json:"terms"`
}

type ratesResponse struct {
	Rates []wireRate `json:"rates"`
}

// ContractRequest is the typed payload for contract preview and creation.
type ContractRequest struct {
	Coverages        []ContractCoverage `json:"coverages"`
	DealerNumber     string             `json:"dealerNumber"`
	SaleDate         string             `json:"saleDate"`
	SaleOdometer     int                `json:"saleOdometer"`
	StartingOdometer int                `json:"startingOdometer"`
	EndingOdometer   int                `json:"endingOdometer"`
	Vehicle          wireVehicle        `json:"vehicle"`
	Customer         wireCustomer       `json:"customer"`
}

// ContractCoverage is the coverage block inside a contract request.
type ContractCoverage struct {
	Term            contractTerm   `json:"term"`
	PlanCode        string         `json:"planCode"`
	PlanDescription string         `json:"planDescription"`
	TermMonths      int            `json:"termMonths"`
	TermOdometer    int            `json:"termOdometer"`
	Deductible      wireDeductible `json:"deductible"`
	LossCodeIDs     []int          `json:"coverageLossCodes"`
}

type contractTerm struct {
	TermOdometer int            `json:"termOdometer"`
	TermMonths   int            `json:"termMonths"`
	Deductible   wireDeductible `json:"deductible"`
}

type wireCustomer struct {
	FirstName string          `json:"firstName"`
	LastName  string          `json:"lastName"`
	Phone     string          `json:"phone"`
	Email     string          `json:"email"`
	Address   wireAddressFlat `json:"address"`
}

type wireAddressFlat struct {
	CountryCode string `json:"countryCode"`
	Address1    string `json:"address1"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postalCode"`
}

type previewBucketWire struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type previewResponse struct {
	Buckets []previewBucketWire `json:"buckets"`
}

type contractCreateResponse struct {
	Contracts []struct {
		Contract struct {
			ContractNumber string `json:"contractNumber"`
		} `json:"contract"`
	} `json:"contracts"`
}

type noteRequest struct {
	Note noteBody `json:"note"`
}

type noteBody struct {
	ContractNumber string `json:"contractNumber"`
	Type           string `json:"type"`
	Text           string `json:"text"`
}

// GetCoverageRates rates a vehicle and flattens the plan/term matrix into
// coverage terms. Loss codes split by selectability: pre-selected codes
// become surcharges, selectable codes become options.
func (c *AutoClient) GetCoverageRates(ctx context.Context, vehicle domain.Vehicle, saleOdometer int) ([]domain.CoverageTerm, error) {
	req := ratesRequest{
		SaleDate:     c.clock().Format("2006-01-02"),
		DealerNumber: c.dealerNumber,
		SaleOdometer: saleOdometer,
		Vehicle:      toWireVehicle(vehicle),
	}

	var resp ratesResponse
	if err := c.post(ctx, "/contracts/GetCoverageRates", req, &resp); err != nil {
		return nil, err
	}

	var terms []domain.CoverageTerm
	for _, rate := range resp.Rates {
		for _, term := range rate.Terms {
			out := domain.CoverageTerm{
				RateID:       fmt.Sprintf("%s-%d-%d", rate.Code, term.TermMonths, term.TermOdometer),
				PlanCode:     rate.Code,
				PlanName:     rate.Description,
				TermMonths:   term.TermMonths,
				TermOdometer: term.TermOdometer,
				Deductible:   fromWireDeductible(term.Deductible),
				DealerCost:   term.DealerCost,
			}
			for _, component := range term.Components {
				for _, lc := range component.LossCodes {
					code := domain.LossCode{
						ID:          lc.CoverageLossCodeID,
						Description: lc.Description,
						Price:       lc.DealerCost,
						Selectable:  lc.IsSelectable,
					}
					if lc.IsSelectable {
						out.Options = append(out.Options, code)
					} else if lc.IsSelected {
						out.Surcharges = append(out.Surcharges, code)
					}
				}
			}
			terms = append(terms, out)
		}
	}
	c.logger(ctx, "pcrs.rates.fetched", map[string]any{"vin": vehicle.VIN, "terms": len(terms)})
	return terms, nil
}

// BuildContractRequest assembles the creation/preview payload for one
// covered vehicle slot.
func (c *AutoClient) BuildContractRequest(vehicle domain.Vehicle, saleOdometer int, coverage domain.SelectedCoverage, customer domain.Customer) ContractRequest {
	saleDate := c.clock().Format("2006-01-02")
	deductible := toWireDeductible(coverage.Deductible)
	return ContractRequest{
		Coverages: []ContractCoverage{{
			Term: contractTerm{
				TermOdometer: coverage.TermOdometer,
				TermMonths:   coverage.TermMonths,
				Deductible:   deductible,
			},
			PlanCode:        coverage.PlanCode,
			PlanDescription: coverage.PlanDescription,
			TermMonths:      coverage.TermMonths,
			TermOdometer:    coverage.TermOdometer,
			Deductible:      deductible,
			LossCodeIDs:     coverage.LossCodeIDs,
		}},
		DealerNumber:     c.dealerNumber,
		SaleDate:         saleDate,
		SaleOdometer:     saleOdometer,
		StartingOdometer: saleOdometer,
		EndingOdometer:   saleOdometer + coverage.TermOdometer,
		Vehicle:          toWireVehicle(vehicle),
		Customer:         toWireCustomer(customer),
	}
}

// GetContractPreview returns the priced bucket line items for a prospective
// contract without creating it.
func (c *AutoClient) GetContractPreview(ctx context.Context, req ContractRequest) ([]domain.PreviewBucket, error) {
	var resp previewResponse
	if err := c.post(ctx, "/contracts/GetContractPreview", req, &resp); err != nil {
		return nil, err
	}
	buckets := make([]domain.PreviewBucket, 0, len(resp.Buckets))
	for _, b := range resp.Buckets {
		buckets = append(buckets, domain.PreviewBucket{Code: b.Code, Description: b.Description, Amount: b.Amount})
	}
	return buckets, nil
}

// CreateContract submits a contract and returns its assigned number.
func (c *AutoClient) CreateContract(ctx context.Context, req ContractRequest) (domain.ContractResult, error) {
	var resp contractCreateResponse
	if err := c.post(ctx, "/contracts/AddOrUpdate", req, &resp); err != nil {
		return domain.ContractResult{}, err
	}
	if len(resp.Contracts) == 0 || resp.Contracts[0].Contract.ContractNumber == "" {
		return domain.ContractResult{}, &APIError{
			Operation: "AddOrUpdate",
			Status:    http.StatusOK,
			Message:   "response missing contract number",
		}
	}
	result := domain.ContractResult{
		ContractNumber: resp.Contracts[0].Contract.ContractNumber,
		ProductLine:    domain.ProductLineAuto,
		CreatedAt:      c.clock(),
	}
	c.logger(ctx, "pcrs.contract.created", map[string]any{"contract_number": result.ContractNumber})
	return result, nil
}

// AddNote attaches the reconciliation note tying a contract to its payment
// transaction.
func (c *AutoClient) AddNote(ctx context.Context, contractNumber, transactionID string) error {
	req := noteRequest{Note: noteBody{
		ContractNumber: contractNumber,
		Type:           "Information",
		Text: fmt.Sprintf(
			"This contract was created using the Click4Coverage website.\n The transaction was processed through FortPoint with transactionID: %s",
			transactionID,
		),
	}}
	return c.post(ctx, "/contracts/AddNote", req, nil)
}

func (c *AutoClient) post(ctx context.Context, path string, payload, out any) error {
	return postJSON(ctx, c.http, c.tokens, c.baseURL+path, payload, out)
}

// postJSON performs an authenticated JSON round trip shared by both product
// line clients.
func postJSON(ctx context.Context, httpClient *http.Client, tokens tokenSource, url string, payload, out any) error {
	token, err := tokens.Token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pcrs: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pcrs: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pcrs: %s: %w", operationFromURL(url), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("pcrs: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(operationFromURL(url), resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("pcrs: decode response: %w", err)
	}
	return nil
}

func operationFromURL(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// decodeAPIError tolerates both error envelopes the backend emits: details
// at the top level, or nested under an error object.
func decodeAPIError(operation string, status int, body []byte) error {
	var envelope struct {
		Error *struct {
			Message string   `json:"message"`
			Details []Detail `json:"details"`
		} `json:"error"`
		Message string   `json:"message"`
		Details []Detail `json:"details"`
	}
	apiErr := &APIError{Operation: operation, Status: status}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Message = envelope.Message
		apiErr.Details = envelope.Details
		if envelope.Error != nil {
			if apiErr.Message == "" {
				apiErr.Message = envelope.Error.Message
			}
			if len(apiErr.Details) == 0 {
				apiErr.Details = envelope.Error.Details
			}
		}
	}
	return apiErr
}

func toWireVehicle(v domain.Vehicle) wireVehicle {
	return wireVehicle{
		VehicleYear:    v.VehicleYear,
		Make:           v.Make,
		Model:          v.Model,
		VIN:            v.VIN,
		VehicleAgeType: string(v.AgeType),
	}
}

func toWireCustomer(c domain.Customer) wireCustomer {
	return wireCustomer{
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
		Email:     c.Email,
		Address: wireAddressFlat{
			CountryCode: c.Address.CountryCode,
			Address1:    c.Address.Address1,
			City:        c.Address.City,
			State:       c.Address.State,
			PostalCode:  c.Address.PostalCode,
		},
	}
}

func toWireDeductible(d domain.Deductible) wireDeductible {
	deductibleType := "Standard"
	if d.Disappearing {
		deductibleType = "Disappearing"
	}
	return wireDeductible{Type: deductibleType, Amount: d.Amount}
}

func fromWireDeductible(d wireDeductible) domain.Deductible {
	return domain.Deductible{
		Amount:       d.Amount,
		Disappearing: strings.EqualFold(d.Type, "Disappearing"),
	}
}
