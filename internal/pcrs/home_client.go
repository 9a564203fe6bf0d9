package pcrs

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/click4coverage/api/internal/domain"
)

// Fixed identifiers stamped on every home contract submission.
const (
	homeDealerInvoiceNumber = "C4C25"
	homeStoreLocationNumber = "C4C25"
	homeContractStatus      = "S"
)

// easternTime is the contract booking zone; transaction dates are recorded
// in the administrator's local calendar day, not UTC.
var easternTime = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("pcrs: load location " + name + ": " + err.Error())
	}
	return loc
}

// HomeClient talks to the home-contract deployment.
type HomeClient struct {
	baseURL      string
	dealerNumber string
	http         *http.Client
	tokens       tokenSource
	clock        func() time.Time
	logger       Logger
}

// HomeClientDeps configures a HomeClient. BaseURL, DealerNumber, and Tokens
// are required.
type HomeClientDeps struct {
	BaseURL      string
	DealerNumber string
	HTTPClient   *http.Client
	Tokens       tokenSource
	Clock        func() time.Time
	Logger       Logger
}

// NewHomeClient validates dependencies and builds the client.
func NewHomeClient(deps HomeClientDeps) (*HomeClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pcrs: home client requires a base url")
	}
	if strings.TrimSpace(deps.DealerNumber) == "" {
		return nil, errors.New("pcrs: home client requires a dealer number")
	}
	if deps.Tokens == nil {
		return nil, errors.New("pcrs: home client requires a token source")
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

	return &HomeClient{
		baseURL:      baseURL,
		dealerNumber: strings.TrimSpace(deps.DealerNumber),
		http:         httpClient,
		tokens:       deps.Tokens,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
	}, nil
}

// HomeContractRequest is the typed payload for home contract creation.
type HomeContractRequest struct {
	DealerNumber        string             `json:"dealerNumber"`
	DealerInvoiceNumber string             `json:"dealerInvoiceNumber"`
	StoreLocationNumber string             `json:"storeLocationNumber"`
	Status              string             `json:"status"`
	Coverage            homeCoverageBlock  `json:"coverage"`
	Customer            homeCustomerBlock  `json:"customer"`
	TransactionDate     string             `json:"transactionDate"`
	Products            []homeProductBlock `json:"products"`
}

type homeCoverageBlock struct {
	WarrantySKUCode    string `json:"warrantySKUCode"`
	AdditionalWarranty string `json:"additionalWarranty"`
}

type homeCustomerBlock struct {
	FirstName string           `json:"firstName"`
	LastName  string           `json:"lastName"`
	Address   homeAddressBlock `json:"address"`
	Contact   homeContactBlock `json:"contact"`
}

type homeAddressBlock struct {
	Address1 string `json:"address1"`
	City     string `json:"city"`
	State    string `json:"state"`
	ZipCode  string `json:"zipCode"`
	Country  string `json:"country"`
}

type homeContactBlock struct {
	Phone homePhoneBlock `json:"phone"`
	Email string         `json:"email"`
}

type homePhoneBlock struct {
	MainPhone string `json:"mainPhone"`
}

type homeProductBlock struct {
	ProductPurchaseDate string `json:"productPurchaseDate"`
}

type homeContractResponse struct {
	ContractNumber string `json:"contractNumber"`
	Contracts      []struct {
		Contract struct {
			ContractNumber string `json:"contractNumber"`
		} `json:"contract"`
	} `json:"contracts"`
}

// BuildContractRequest assembles the home contract payload. Add-on loss
// codes ride in a single semicolon-delimited field.
func (c *HomeClient) BuildContractRequest(selection domain.HomeSelection, customer domain.Customer) HomeContractRequest {
	lossCodes := make([]string, 0, len(selection.AddOns))
	for _, addOn := range selection.AddOns {
		lossCodes = append(lossCodes, addOn.Code)
	}
	transactionDate := c.clock().In(easternTime).Format("01/02/2006")

	return HomeContractRequest{
		DealerNumber:        c.dealerNumber,
		DealerInvoiceNumber: homeDealerInvoiceNumber,
		StoreLocationNumber: homeStoreLocationNumber,
		Status:              homeContractStatus,
		Coverage: homeCoverageBlock{
			WarrantySKUCode:    selection.CoverageCode,
			AdditionalWarranty: strings.Join(lossCodes, ";"),
		},
		Customer: homeCustomerBlock{
			FirstName: customer.FirstName,
			LastName:  customer.LastName,
			Address: homeAddressBlock{
				Address1: customer.Address.Address1,
				City:     customer.Address.City,
				State:    customer.Address.State,
				ZipCode:  customer.Address.PostalCode,
				Country:  customer.Address.CountryCode,
			},
			Contact: homeContactBlock{
				Phone: homePhoneBlock{MainPhone: customer.Phone},
				Email: customer.Email,
			},
		},
		TransactionDate: transactionDate,
		Products:        []homeProductBlock{{ProductPurchaseDate: transactionDate}},
	}
}

// CreateContract submits a home contract. The backend does not always echo
// a contract number; when absent the result carries an empty number and the
// caller treats the creation as successful anyway.
func (c *HomeClient) CreateContract(ctx context.Context, req HomeContractRequest) (domain.ContractResult, error) {
	var resp homeContractResponse
	if err := postJSON(ctx, c.http, c.tokens, c.baseURL+"/contracts/AddContract", req, &resp); err != nil {
		return domain.ContractResult{}, err
	}

	number := resp.ContractNumber
	if number == "" && len(resp.Contracts) > 0 {
		number = resp.Contracts[0].Contract.ContractNumber
	}
	result := domain.ContractResult{
		ContractNumber: number,
		ProductLine:    domain.ProductLineHome,
		CreatedAt:      c.clock(),
	}
	c.logger(ctx, "pcrs.home_contract.created", map[string]any{"contract_number": number})
	return result, nil
}
