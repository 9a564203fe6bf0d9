package quote

import (
	"errors"
	"fmt"
)

// Step is one screen in the quote wizard.
type Step string

const (
	StepVehicleInfo   Step = "vehicle-info"
	StepPlanSelection Step = "plan-selection"
	StepBundlePrompt  Step = "bundle-prompt"
	StepHomeSelection Step = "home-selection"
	StepCartReview    Step = "cart-review"
	StepCheckout      Step = "checkout"
	StepSuccess       Step = "success"
)

// stepOrder positions each step in the flow. Back navigation is any move to
// a strictly earlier position.
var stepOrder = map[Step]int{
	StepVehicleInfo:   0,
	StepPlanSelection: 1,
	StepBundlePrompt:  2,
	StepHomeSelection: 3,
	StepCartReview:    4,
	StepCheckout:      5,
	StepSuccess:       6,
}

var (
	// ErrUnknownStep indicates a step value outside the wizard's vocabulary.
	ErrUnknownStep = errors.New("quote: unknown wizard step")
	// ErrIllegalTransition indicates a forward move the current state does not permit.
	ErrIllegalTransition = errors.New("quote: illegal step transition")
	// ErrVehicleCapReached indicates an attempt to add a vehicle past the slot cap.
	ErrVehicleCapReached = errors.New("quote: vehicle cap reached")
	// ErrPreviewIncomplete indicates checkout was attempted before every
	// covered vehicle had a contract preview.
	ErrPreviewIncomplete = errors.New("quote: contract preview incomplete")
)

// Valid reports whether s is a known wizard step.
func (s Step) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// CanTransition checks whether moving from the current step to the target is
// legal. Moves to an earlier step are always allowed (the Back action and the
// add-another-vehicle loop out of the bundle prompt); forward moves follow
// the wizard's sequencing rules.
func (s *State) CanTransition(to Step) error {
	from := s.Step
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStep, to)
	}
	if to == from {
		return nil
	}
	if from == StepSuccess {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, StepSuccess)
	}
	if stepOrder[to] < stepOrder[from] {
		// Back navigation. Looping to vehicle-info for another vehicle is
		// capped here independently of the store's slot cap.
		if from == StepBundlePrompt && to == StepVehicleInfo && len(s.CoveredVehicles()) >= MaxVehicleSlots {
			return ErrVehicleCapReached
		}
		return nil
	}

	switch from {
	case StepVehicleInfo:
		if to == StepPlanSelection {
			return s.requireCurrentVehicle()
		}
	case StepPlanSelection:
		if to == StepBundlePrompt {
			return s.requireCurrentCoverage()
		}
	case StepBundlePrompt:
		switch to {
		case StepHomeSelection:
			return nil
		case StepCartReview:
			if len(s.CoveredVehicles()) == 0 && s.Home == nil {
				return fmt.Errorf("%w: empty cart", ErrIllegalTransition)
			}
			return nil
		}
	case StepHomeSelection:
		// Declining home coverage returns to the prompt, an earlier position
		// handled above. Selecting it continues straight to review.
		if to == StepCartReview {
			if len(s.CoveredVehicles()) == 0 && s.Home == nil {
				return fmt.Errorf("%w: empty cart", ErrIllegalTransition)
			}
			return nil
		}
	case StepCartReview:
		if to == StepCheckout {
			if !s.PreviewsComplete() {
				return ErrPreviewIncomplete
			}
			return nil
		}
	case StepCheckout:
		if to == StepSuccess {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func (s *State) requireCurrentVehicle() error {
	if s.CurrentVehicleIndex < 0 || s.CurrentVehicleIndex >= len(s.Vehicles) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, s.CurrentVehicleIndex)
	}
	if s.Vehicles[s.CurrentVehicleIndex].Vehicle == nil {
		return ErrVehicleSlotEmpty
	}
	return nil
}

func (s *State) requireCurrentCoverage() error {
	if err := s.requireCurrentVehicle(); err != nil {
		return err
	}
	if s.Vehicles[s.CurrentVehicleIndex].Coverage == nil {
		return ErrNoCoverageSelected
	}
	return nil
}
