package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType selects how the cart total is charged at checkout.
type PaymentType string

const (
	// PaymentTypeFull charges the entire discounted total today.
	PaymentTypeFull PaymentType = "full"
	// PaymentTypeBuydown charges the initial reserve amount today and
	// amortises the remainder over the contract term.
	PaymentTypeBuydown PaymentType = "buydown"
)

// VehicleAgeType mirrors the rating API's new/used distinction.
type VehicleAgeType string

const (
	VehicleAgeNew  VehicleAgeType = "New"
	VehicleAgeUsed VehicleAgeType = "Used"
)

// Vehicle identifies a single vehicle being rated.
type Vehicle struct {
	VIN         string         `json:"vin" validate:"required,vin"`
	VehicleYear int            `json:"vehicleYear" validate:"required,min=1990"`
	Make        string         `json:"make" validate:"required"`
	Model       string         `json:"model" validate:"required"`
	AgeType     VehicleAgeType `json:"vehicleAgeType"`
}

// Deductible describes the per-claim deductible attached to a coverage term.
type Deductible struct {
	Amount       decimal.Decimal `json:"amount"`
	Disappearing bool            `json:"disappearing"`
}

// LossCode is a single rated component of a coverage term. Non-selectable
// codes arrive pre-selected from the rating API and always contribute to the
// surcharge; selectable codes contribute only when the shopper opts in.
type LossCode struct {
	ID          int             `json:"id"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Selectable  bool            `json:"selectable"`
}

// CoverageTerm is one rate option returned for a vehicle.
type CoverageTerm struct {
	RateID       string          `json:"rateId"`
	PlanCode     string          `json:"planCode"`
	PlanName     string          `json:"planName"`
	TermMonths   int             `json:"termMonths"`
	TermOdometer int             `json:"termOdometer"`
	Deductible   Deductible      `json:"deductible"`
	DealerCost   decimal.Decimal `json:"dealerCost"`
	Surcharges   []LossCode      `json:"surcharges"`
	Options      []LossCode      `json:"options"`
}

// CostBreakdown decomposes a vehicle's price into its rated parts.
// Total is always Base + Surcharge + Options.
type CostBreakdown struct {
	Base      decimal.Decimal `json:"basePrice"`
	Surcharge decimal.Decimal `json:"surchargeCost"`
	Options   decimal.Decimal `json:"optionsCost"`
	Total     decimal.Decimal `json:"totalPrice"`
}

// PreviewBucket is a named line-item amount returned by contract preview.
type PreviewBucket struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// SelectedCoverage captures the term and option choices locked in for a
// vehicle after plan selection.
type SelectedCoverage struct {
	PlanCode        string     `json:"planCode"`
	PlanDescription string     `json:"planDescription"`
	TermMonths      int        `json:"termMonths"`
	TermOdometer    int        `json:"termOdometer"`
	Deductible      Deductible `json:"deductible"`
	LossCodeIDs     []int      `json:"coverageLossCodes"`
}

// HomeAddOn is a priced optional component of a home protection plan.
type HomeAddOn struct {
	Code  string          `json:"code"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// HomePriceBreakdown lists the cost components of a home coverage SKU.
// All fields are numeric; string amounts in the source table are parsed
// at catalog load.
type HomePriceBreakdown struct {
	CoverageRate    decimal.Decimal `json:"coverageRate"`
	Term            decimal.Decimal `json:"term"`
	Admin           decimal.Decimal `json:"admin"`
	Reserve         decimal.Decimal `json:"reserve"`
	Commission      decimal.Decimal `json:"commission"`
	Total           decimal.Decimal `json:"total"`
	SuggestedRetail decimal.Decimal `json:"suggestedRetail"`
}

// HomeSelection is a confirmed home protection plan choice.
type HomeSelection struct {
	CoverageCode  string             `json:"coverageCode"`
	CoverageTitle string             `json:"coverageTitle"`
	CoverageType  string             `json:"coverageType"`
	DurationYears int                `json:"duration"`
	HomeSize      string             `json:"homeSize"`
	HomeSizeLabel string             `json:"homeSizeLabel"`
	Breakdown     HomePriceBreakdown `json:"priceBreakdown"`
	AddOns        []HomeAddOn        `json:"addOns"`
	AddOnPrice    decimal.Decimal    `json:"addOnPrice"`
	TotalPrice    decimal.Decimal    `json:"totalFinalPrice"`
}

// CustomerAddress is the billing/service address collected at checkout.
type CustomerAddress struct {
	CountryCode string `json:"countryCode" validate:"required,len=2"`
	Address1    string `json:"address1" validate:"required"`
	City        string `json:"city" validate:"required"`
	State       string `json:"state" validate:"required,len=2"`
	PostalCode  string `json:"postalCode" validate:"required,uszip"`
}

// Customer holds the contract holder's contact details.
type Customer struct {
	FirstName string          `json:"firstName" validate:"required"`
	LastName  string          `json:"lastName" validate:"required"`
	Phone     string          `json:"phone" validate:"required,usphone"`
	Email     string          `json:"email" validate:"required,email"`
	Address   CustomerAddress `json:"address" validate:"required"`
}

// BuydownSchedule is the deferred-payment plan derived at checkout.
type BuydownSchedule struct {
	Initial        decimal.Decimal `json:"initial"`
	Remaining      decimal.Decimal `json:"remaining"`
	TermMonths     int             `json:"termMonths"`
	MonthlyPayment decimal.Decimal `json:"monthlyPayment"`
}

// ProductLine identifies which contract backend issued a contract.
type ProductLine string

const (
	ProductLineAuto ProductLine = "auto"
	ProductLineHome ProductLine = "home"
)

// ContractResult records the outcome of a single backend contract creation.
type ContractResult struct {
	ContractNumber string      `json:"contractNumber"`
	ProductLine    ProductLine `json:"productLine"`
	CreatedAt      time.Time   `json:"createdAt"`
}
