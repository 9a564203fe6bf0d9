package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func testTerm() CoverageTerm {
	return CoverageTerm{
		RateID:     "rate-1",
		PlanCode:   "EP48",
		PlanName:   "Essential Plus",
		TermMonths: 48,
		DealerCost: dec("812.50"),
		Surcharges: []LossCode{
			{ID: 11, Code: "4X4", Price: dec("75.00")},
			{ID: 12, Code: "TURBO", Price: dec("50.25")},
		},
		Options: []LossCode{
			{ID: 21, Code: "RENT", Price: dec("35.00"), Selectable: true},
			{ID: 22, Code: "TIRE", Price: dec("60.10"), Selectable: true},
			{ID: 23, Code: "KEY", Price: dec("25.00"), Selectable: true},
		},
	}
}

func TestComputeVehicleCostSumsComponents(t *testing.T) {
	costs := ComputeVehicleCost(testTerm(), []int{21, 23})

	if !costs.Base.Equal(dec("812.50")) {
		t.Fatalf("base = %s, want 812.50", costs.Base)
	}
	if !costs.Surcharge.Equal(dec("125.25")) {
		t.Fatalf("surcharge = %s, want 125.25", costs.Surcharge)
	}
	if !costs.Options.Equal(dec("60.00")) {
		t.Fatalf("options = %s, want 60.00", costs.Options)
	}
	wantTotal := costs.Base.Add(costs.Surcharge).Add(costs.Options)
	if !costs.Total.Equal(wantTotal) {
		t.Fatalf("total = %s, want %s", costs.Total, wantTotal)
	}
}

func TestComputeVehicleCostSelectionOrderInvariant(t *testing.T) {
	forward := ComputeVehicleCost(testTerm(), []int{21, 22, 23})
	reversed := ComputeVehicleCost(testTerm(), []int{23, 22, 21})

	if !forward.Total.Equal(reversed.Total) {
		t.Fatalf("totals differ by selection order: %s vs %s", forward.Total, reversed.Total)
	}
}

func TestComputeVehicleCostIgnoresUnknownSelections(t *testing.T) {
	none := ComputeVehicleCost(testTerm(), nil)
	bogus := ComputeVehicleCost(testTerm(), []int{999})

	if !none.Total.Equal(bogus.Total) {
		t.Fatalf("unknown option id changed total: %s vs %s", none.Total, bogus.Total)
	}
	if !none.Options.IsZero() {
		t.Fatalf("options with no selection = %s, want 0", none.Options)
	}
}

func TestComputeVehicleCostDoesNotMutateTerm(t *testing.T) {
	term := testTerm()
	before := len(term.Options)
	_ = ComputeVehicleCost(term, []int{21})
	if len(term.Options) != before {
		t.Fatalf("term options mutated: len %d, want %d", len(term.Options), before)
	}
}

func TestQualifiesForBundleDiscount(t *testing.T) {
	cases := []struct {
		name     string
		vehicles int
		hasHome  bool
		want     bool
	}{
		{"no products", 0, false, false},
		{"single vehicle", 1, false, false},
		{"home only", 0, true, false},
		{"two vehicles", 2, false, true},
		{"vehicle and home", 1, true, true},
		{"two vehicles and home", 2, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := QualifiesForBundleDiscount(tc.vehicles, tc.hasHome); got != tc.want {
				t.Fatalf("QualifiesForBundleDiscount(%d, %v) = %v, want %v", tc.vehicles, tc.hasHome, got, tc.want)
			}
		})
	}
}

func TestApplyBundleDiscountIsFlatTenPercent(t *testing.T) {
	total := dec("1000.00")

	discounted := ApplyBundleDiscount(total, 2, true)
	if !discounted.Equal(dec("900")) {
		t.Fatalf("discounted = %s, want 900", discounted)
	}

	// Qualifying two ways must not stack discounts.
	alsoDiscounted := ApplyBundleDiscount(total, 2, false)
	if !discounted.Equal(alsoDiscounted) {
		t.Fatalf("discount stacked: %s vs %s", discounted, alsoDiscounted)
	}

	unchanged := ApplyBundleDiscount(total, 1, false)
	if !unchanged.Equal(total) {
		t.Fatalf("non-qualifying cart changed: %s, want %s", unchanged, total)
	}
}

func TestComputeMasterTotal(t *testing.T) {
	vehicleCosts := []CostBreakdown{
		{Total: dec("500.00")},
		{Total: dec("750.50")},
	}
	homeTotal := dec("399.99")

	got := ComputeMasterTotal(vehicleCosts, &homeTotal)
	if !got.Equal(dec("1650.49")) {
		t.Fatalf("master total = %s, want 1650.49", got)
	}

	// Re-deriving from unchanged inputs yields the same value.
	again := ComputeMasterTotal(vehicleCosts, &homeTotal)
	if !got.Equal(again) {
		t.Fatalf("master total not idempotent: %s vs %s", got, again)
	}

	noHome := ComputeMasterTotal(vehicleCosts, nil)
	if !noHome.Equal(dec("1250.50")) {
		t.Fatalf("master total without home = %s, want 1250.50", noHome)
	}
}

func TestComputeBuydownSchedule(t *testing.T) {
	schedule := ComputeBuydownSchedule(dec("1000"), dec("200"), 6)

	if !schedule.Remaining.Equal(dec("800")) {
		t.Fatalf("remaining = %s, want 800", schedule.Remaining)
	}
	monthly := RoundAmount(schedule.MonthlyPayment)
	if !monthly.Equal(dec("133.33")) {
		t.Fatalf("monthly = %s, want 133.33", monthly)
	}
}

func TestComputeBuydownScheduleClampsNegativeRemaining(t *testing.T) {
	schedule := ComputeBuydownSchedule(dec("100"), dec("250"), 12)

	if !schedule.Remaining.IsZero() {
		t.Fatalf("remaining = %s, want 0", schedule.Remaining)
	}
	if !schedule.MonthlyPayment.IsZero() {
		t.Fatalf("monthly = %s, want 0", schedule.MonthlyPayment)
	}
}

func TestInitialReserveAmount(t *testing.T) {
	buckets := [][]PreviewBucket{
		{
			{Code: "RES", Amount: dec("120.00")},
			{Code: "SUR", Amount: dec("45.00")},
		},
		{
			{Code: "CLIP", Amount: dec("80.00")},
			{Code: "RDSVC", Amount: dec("12.00")},
		},
	}
	home := &HomeSelection{Breakdown: HomePriceBreakdown{Reserve: dec("55.25")}}

	got := InitialReserveAmount(buckets, home)
	if !got.Equal(dec("255.25")) {
		t.Fatalf("initial reserve = %s, want 255.25", got)
	}

	withoutHome := InitialReserveAmount(buckets, nil)
	if !withoutHome.Equal(dec("200")) {
		t.Fatalf("initial reserve without home = %s, want 200", withoutHome)
	}
}
