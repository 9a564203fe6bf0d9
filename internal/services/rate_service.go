package services

import (
	"context"
	"errors"
	"time"

	"github.com/click4coverage/api/internal/domain"
	"github.com/click4coverage/api/internal/pcrs"
)

var (
	// ErrVehicleNotEligible indicates the rating backend refused the vehicle.
	ErrVehicleNotEligible = errors.New("rates: vehicle not eligible for coverage")
	// ErrRatesUnavailable indicates the rating backend failed transiently.
	ErrRatesUnavailable = errors.New("rates: rating service unavailable")
)

// autoContractAPI abstracts pcrs.AutoClient for testing.
type autoContractAPI interface {
	GetCoverageRates(ctx context.Context, vehicle domain.Vehicle, saleOdometer int) ([]domain.CoverageTerm, error)
	BuildContractRequest(vehicle domain.Vehicle, saleOdometer int, coverage domain.SelectedCoverage, customer domain.Customer) pcrs.ContractRequest
	GetContractPreview(ctx context.Context, req pcrs.ContractRequest) ([]domain.PreviewBucket, error)
	CreateContract(ctx context.Context, req pcrs.ContractRequest) (domain.ContractResult, error)
	AddNote(ctx context.Context, contractNumber, transactionID string) error
}

// RateServiceDeps wires the dependencies required by the rate service.
type RateServiceDeps struct {
	Auto   autoContractAPI
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type rateService struct {
	auto   autoContractAPI
	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewRateService constructs a RateService validating required dependencies.
func NewRateService(deps RateServiceDeps) (RateService, error) {
	if deps.Auto == nil {
		return nil, errors.New("rate service: auto contract client is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &rateService{
		auto: deps.Auto,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// FetchRates validates the vehicle then rates it, translating backend
// eligibility rejections into the service sentinel.
func (s *rateService) FetchRates(ctx context.Context, vehicle domain.Vehicle, saleOdometer int) ([]domain.CoverageTerm, error) {
	if err := domain.Validate(vehicle); err != nil {
		return nil, err
	}
	if err := domain.ValidateOdometer(saleOdometer); err != nil {
		return nil, err
	}

	terms, err := s.auto.GetCoverageRates(ctx, vehicle, saleOdometer)
	if err != nil {
		return nil, s.translateRateError(ctx, err)
	}
	if len(terms) == 0 {
		return nil, ErrVehicleNotEligible
	}
	return terms, nil
}

// PreviewContract runs a dry-run contract submission and returns the priced
// buckets.
func (s *rateService) PreviewContract(ctx context.Context, vehicle domain.Vehicle, saleOdometer int, coverage domain.SelectedCoverage, customer domain.Customer) ([]domain.PreviewBucket, error) {
	req := s.auto.BuildContractRequest(vehicle, saleOdometer, coverage, customer)
	buckets, err := s.auto.GetContractPreview(ctx, req)
	if err != nil {
		return nil, s.translateRateError(ctx, err)
	}
	return buckets, nil
}

func (s *rateService) translateRateError(ctx context.Context, err error) error {
	if errors.Is(err, pcrs.ErrVehicleIneligible) {
		return ErrVehicleNotEligible
	}
	var apiErr *pcrs.APIError
	if errors.As(err, &apiErr) && apiErr.Temporary() {
		s.logger(ctx, "rates.backend_unavailable", map[string]any{"status": apiErr.Status})
		return ErrRatesUnavailable
	}
	return err
}
