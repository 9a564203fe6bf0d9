// Package pcrs wraps the contract-management API used for vehicle and home
// service contracts. The auto and home product lines are served by separate
// deployments with separate credentials, so the package exposes one client
// per line sharing the same transport and error handling.
package pcrs

import (
	"errors"
	"fmt"
	"strings"
)

// Backend message code returned when a vehicle fails eligibility rules.
const ineligibleVehicleCode = "CNT0122"

// ErrVehicleIneligible indicates the rating API rejected the vehicle for
// coverage based on its age, mileage, or type.
var ErrVehicleIneligible = errors.New("pcrs: vehicle not eligible for coverage")

// Detail is one structured message in an API error response.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is a non-success response from the contract-management API.
type APIError struct {
	Operation string
	Status    int
	Message   string
	Details   []Detail
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pcrs: %s failed with status %d", e.Operation, e.Status)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	for _, d := range e.Details {
		fmt.Fprintf(&b, "; %s %s", d.Code, d.Message)
	}
	return b.String()
}

// Is maps recognised backend message codes onto sentinel errors so callers
// can branch with errors.Is without inspecting detail slices.
func (e *APIError) Is(target error) bool {
	if target == ErrVehicleIneligible {
		return e.hasCode(ineligibleVehicleCode)
	}
	return false
}

// Temporary reports whether the failure looks transient (server-side or
// rate-limited) and could succeed on retry.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}

// FirstDetailMessage returns the first structured detail message, or the
// top-level message when no details are present. This is what checkout
// surfaces to the shopper on a contract failure.
func (e *APIError) FirstDetailMessage() string {
	for _, d := range e.Details {
		if d.Message != "" {
			return d.Message
		}
	}
	return e.Message
}

func (e *APIError) hasCode(code string) bool {
	for _, d := range e.Details {
		if strings.EqualFold(d.Code, code) {
			return true
		}
	}
	return false
}
