package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxOdometer is the highest mileage the rating API will quote.
	MaxOdometer = 300000
	// MinVehicleYear is the oldest model year the rating API accepts.
	MinVehicleYear = 1990
)

var (
	// vinPattern excludes I, O, and Q per the standard VIN alphabet.
	vinPattern = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
	zipPattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	digitsOnly = regexp.MustCompile(`\D`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("vin", func(fl validator.FieldLevel) bool {
		return vinPattern.MatchString(strings.ToUpper(strings.TrimSpace(fl.Field().String())))
	})
	_ = v.RegisterValidation("uszip", func(fl validator.FieldLevel) bool {
		return zipPattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	_ = v.RegisterValidation("usphone", func(fl validator.FieldLevel) bool {
		digits := digitsOnly.ReplaceAllString(fl.Field().String(), "")
		return len(digits) >= 10
	})
	return v
}

// FieldErrors maps struct field paths to human readable validation messages.
type FieldErrors map[string]string

// Error implements the error interface with a stable field ordering.
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fmt.Sprintf("validation failed: [%s]", strings.Join(fields, ", "))
}

// Details exposes the field/message pairs for JSON error envelopes.
func (e FieldErrors) Details() map[string]any {
	out := make(map[string]any, len(e))
	for field, message := range e {
		out[field] = message
	}
	return out
}

// Validate runs struct validation and converts failures into FieldErrors.
func Validate(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = messageForTag(fe)
	}
	return fields
}

// ValidateOdometer checks a mileage reading against rating API bounds.
func ValidateOdometer(miles int) error {
	if miles < 0 || miles > MaxOdometer {
		return FieldErrors{"saleOdometer": fmt.Sprintf("mileage must be between 0 and %d", MaxOdometer)}
	}
	return nil
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "vin":
		return "must be a 17-character VIN (letters I, O, and Q are not used)"
	case "uszip":
		return "must be a 5-digit ZIP code, optionally with a 4-digit extension"
	case "usphone":
		return "must contain at least 10 digits"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
