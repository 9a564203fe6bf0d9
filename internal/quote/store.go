// Package quote holds the wizard state for a single shopper: the vehicle
// slots, home selection, customer details, and step position. State lives
// only for the lifetime of a session; there is no server-side cart
// persistence.
package quote

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
)

// MaxVehicleSlots caps how many vehicles one quote may cover.
const MaxVehicleSlots = 2

var (
	// ErrVehicleSlotEmpty indicates an operation that requires vehicle details first.
	ErrVehicleSlotEmpty = errors.New("quote: vehicle slot has no vehicle")
	// ErrNoCoverageSelected indicates an operation that requires a chosen coverage first.
	ErrNoCoverageSelected = errors.New("quote: vehicle slot has no coverage")
	// ErrSlotOutOfRange indicates a vehicle index outside the allocated slots.
	ErrSlotOutOfRange = errors.New("quote: vehicle slot index out of range")
	// ErrInvalidPaymentType indicates an unknown payment type value.
	ErrInvalidPaymentType = errors.New("quote: invalid payment type")
)

// VehicleSlot tracks one vehicle through rating, selection, and preview.
// The fields form a dependency chain: Coverage and Costs require Vehicle,
// PreviewBuckets require Coverage. Upstream writes clear downstream fields.
type VehicleSlot struct {
	Vehicle        *domain.Vehicle
	SaleOdometer   int
	Coverage       *domain.SelectedCoverage
	Costs          *domain.CostBreakdown
	PreviewBuckets []domain.PreviewBucket
}

// Covered reports whether this slot contributes to the cart.
func (s VehicleSlot) Covered() bool {
	return s.Vehicle != nil && s.Coverage != nil && s.Costs != nil
}

// Prefill holds landing-page seed values for the vehicle form. They are
// display hints only; a slot stays empty until the shopper submits vehicle
// details that pass validation.
type Prefill struct {
	VIN     string
	Mileage int
}

// State is the aggregate wizard state for one quote session.
type State struct {
	Step                Step
	Prefill             Prefill
	Vehicles            []VehicleSlot
	CurrentVehicleIndex int
	AvailableRates      []domain.CoverageTerm
	Home                *domain.HomeSelection
	Customer            *domain.Customer
	PaymentType         domain.PaymentType
	AmountPaid          *decimal.Decimal
}

// NewState creates the initial wizard state: one empty vehicle slot,
// vehicle-info step, full payment.
func NewState() *State {
	return &State{
		Step:        StepVehicleInfo,
		Vehicles:    []VehicleSlot{{}},
		PaymentType: domain.PaymentTypeFull,
	}
}

// SetStep transitions the wizard, enforcing the step machine's legality rules.
func (s *State) SetStep(to Step) error {
	if err := s.CanTransition(to); err != nil {
		return err
	}
	s.Step = to
	return nil
}

// SetVehicleInfo records vehicle details for a slot, validating both the
// vehicle and the odometer reading. Downstream coverage, costs, and preview
// data are cleared because they no longer describe this vehicle.
func (s *State) SetVehicleInfo(index int, vehicle domain.Vehicle, saleOdometer int) error {
	if index < 0 || index >= len(s.Vehicles) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	if vehicle.AgeType == "" {
		vehicle.AgeType = domain.VehicleAgeUsed
		if saleOdometer == 0 {
			vehicle.AgeType = domain.VehicleAgeNew
		}
	}
	if err := domain.Validate(vehicle); err != nil {
		return err
	}
	if err := domain.ValidateOdometer(saleOdometer); err != nil {
		return err
	}

	slot := &s.Vehicles[index]
	slot.Vehicle = &vehicle
	slot.SaleOdometer = saleOdometer
	slot.Coverage = nil
	slot.Costs = nil
	slot.PreviewBuckets = nil
	return nil
}

// SetVehicleCoverage locks in a coverage choice and its computed costs.
// Requires the slot to hold vehicle details. Preview data is cleared since
// it was derived from the previous selection.
func (s *State) SetVehicleCoverage(index int, coverage domain.SelectedCoverage, costs domain.CostBreakdown) error {
	if index < 0 || index >= len(s.Vehicles) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	slot := &s.Vehicles[index]
	if slot.Vehicle == nil {
		return ErrVehicleSlotEmpty
	}
	slot.Coverage = &coverage
	slot.Costs = &costs
	slot.PreviewBuckets = nil
	return nil
}

// SetVehiclePreview stores the contract-preview buckets for a slot.
// Requires a coverage selection; preview without a selection is meaningless.
func (s *State) SetVehiclePreview(index int, buckets []domain.PreviewBucket) error {
	if index < 0 || index >= len(s.Vehicles) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	slot := &s.Vehicles[index]
	if slot.Coverage == nil {
		return ErrNoCoverageSelected
	}
	slot.PreviewBuckets = buckets
	return nil
}

// AddVehicleSlot appends an empty slot and focuses it. At the slot cap this
// is a no-op and the current index is unchanged; the second return reports
// whether a slot was added.
func (s *State) AddVehicleSlot() (int, bool) {
	if len(s.Vehicles) >= MaxVehicleSlots {
		return s.CurrentVehicleIndex, false
	}
	s.Vehicles = append(s.Vehicles, VehicleSlot{})
	s.CurrentVehicleIndex = len(s.Vehicles) - 1
	return s.CurrentVehicleIndex, true
}

// SetAvailableRates replaces the rate options shown on plan selection.
func (s *State) SetAvailableRates(rates []domain.CoverageTerm) {
	s.AvailableRates = rates
}

// SetHomeCoverage records the home plan selection. Passing nil clears it.
func (s *State) SetHomeCoverage(selection *domain.HomeSelection) {
	s.Home = selection
}

// SetCustomer validates and stores the contract holder details.
func (s *State) SetCustomer(customer domain.Customer) error {
	if err := domain.Validate(customer); err != nil {
		return err
	}
	s.Customer = &customer
	return nil
}

// SetPaymentType selects full or buy-down payment.
func (s *State) SetPaymentType(paymentType domain.PaymentType) error {
	switch paymentType {
	case domain.PaymentTypeFull, domain.PaymentTypeBuydown:
		s.PaymentType = paymentType
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPaymentType, paymentType)
	}
}

// MasterPrice sums every covered vehicle's total plus the home plan total.
// It is a pure derivation of current state.
func (s *State) MasterPrice() decimal.Decimal {
	costs := make([]domain.CostBreakdown, 0, len(s.Vehicles))
	for _, slot := range s.Vehicles {
		if slot.Covered() {
			costs = append(costs, *slot.Costs)
		}
	}
	var homeTotal *decimal.Decimal
	if s.Home != nil {
		total := s.Home.TotalPrice
		homeTotal = &total
	}
	return domain.ComputeMasterTotal(costs, homeTotal)
}

// CoveredVehicles returns the slots that contribute to the cart.
func (s *State) CoveredVehicles() []VehicleSlot {
	out := make([]VehicleSlot, 0, len(s.Vehicles))
	for _, slot := range s.Vehicles {
		if slot.Covered() {
			out = append(out, slot)
		}
	}
	return out
}

// PreviewsComplete reports whether every covered vehicle has preview data.
func (s *State) PreviewsComplete() bool {
	covered := 0
	for _, slot := range s.Vehicles {
		if !slot.Covered() {
			continue
		}
		covered++
		if slot.PreviewBuckets == nil {
			return false
		}
	}
	return covered > 0 || s.Home != nil
}

// SetAmountPaid records what was actually charged at checkout. The value is
// distinct from MasterPrice because discounts and buy-down reduce the amount
// due today.
func (s *State) SetAmountPaid(amount decimal.Decimal) {
	s.AmountPaid = &amount
}

// Reset returns the state to its initial shape.
func (s *State) Reset() {
	*s = *NewState()
}
