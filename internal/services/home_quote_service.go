package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/catalog"
	"github.com/click4coverage/api/internal/domain"
)

var (
	// ErrHomeCoverageUnavailable indicates no price entry exists for the
	// requested combination.
	ErrHomeCoverageUnavailable = errors.New("home: coverage unavailable")
	// ErrHomeAddOnUnknown indicates an add-on key outside the catalog.
	ErrHomeAddOnUnknown = errors.New("home: unknown add-on")
)

// HomeQuoteServiceDeps wires the dependencies required by the home quote
// service.
type HomeQuoteServiceDeps struct {
	Catalog *catalog.HomeCatalog
}

type homeQuoteService struct {
	catalog *catalog.HomeCatalog
}

// NewHomeQuoteService constructs a HomeQuoteService.
func NewHomeQuoteService(deps HomeQuoteServiceDeps) (HomeQuoteService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("home quote service: catalog is required")
	}
	return &homeQuoteService{catalog: deps.Catalog}, nil
}

// QuoteHome resolves a coverage choice into a fully priced selection.
func (s *homeQuoteService) QuoteHome(coverageType string, durationYears int, homeSize string, addOnKeys []string) (domain.HomeSelection, error) {
	code, err := catalog.BuildCoverageCode(coverageType, durationYears, homeSize)
	if err != nil {
		return domain.HomeSelection{}, err
	}
	breakdown, ok := s.catalog.Lookup(code)
	if !ok {
		return domain.HomeSelection{}, fmt.Errorf("%w: %s", ErrHomeCoverageUnavailable, code)
	}

	addOns := make([]domain.HomeAddOn, 0, len(addOnKeys))
	addOnTotal := decimal.Zero
	for _, key := range addOnKeys {
		addOn, ok := s.catalog.AddOn(durationYears, key)
		if !ok {
			return domain.HomeSelection{}, fmt.Errorf("%w: %s", ErrHomeAddOnUnknown, key)
		}
		addOns = append(addOns, addOn)
		addOnTotal = addOnTotal.Add(addOn.Price)
	}

	return domain.HomeSelection{
		CoverageCode:  code,
		CoverageTitle: catalog.HomeTypeLabels[coverageType],
		CoverageType:  coverageType,
		DurationYears: durationYears,
		HomeSize:      homeSize,
		HomeSizeLabel: catalog.HomeSizeLabels[homeSize],
		Breakdown:     breakdown,
		AddOns:        addOns,
		AddOnPrice:    addOnTotal,
		TotalPrice:    domain.ComputeHomeCost(breakdown, addOns),
	}, nil
}

// ListAddOns returns the priced add-ons for a duration.
func (s *homeQuoteService) ListAddOns(durationYears int) []domain.HomeAddOn {
	return s.catalog.AddOns(durationYears)
}
