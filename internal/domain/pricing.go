package domain

import "github.com/shopspring/decimal"

// BundleDiscountPercent is the flat multi-product discount applied to the
// amount due. It never stacks; a cart either qualifies or it does not.
var BundleDiscountPercent = decimal.NewFromInt(10)

// reserveBucketCodes identifies preview line items that fund the
// administrator reserve. Their sum forms the buy-down initial payment basis.
var reserveBucketCodes = map[string]struct{}{
	"RES":  {},
	"RSRV": {},
	"CLIP": {},
}

// ComputeVehicleCost derives the cost breakdown for a coverage term given
// the shopper's selectable option choices. Non-selectable loss codes always
// count toward the surcharge; selectable codes count only when their ID is
// in selectedOptionIDs. The input term is not mutated and the result does
// not depend on the order of selectedOptionIDs.
func ComputeVehicleCost(term CoverageTerm, selectedOptionIDs []int) CostBreakdown {
	selected := make(map[int]struct{}, len(selectedOptionIDs))
	for _, id := range selectedOptionIDs {
		selected[id] = struct{}{}
	}

	surcharge := decimal.Zero
	for _, code := range term.Surcharges {
		surcharge = surcharge.Add(code.Price)
	}

	options := decimal.Zero
	for _, code := range term.Options {
		if _, ok := selected[code.ID]; ok {
			options = options.Add(code.Price)
		}
	}

	base := term.DealerCost
	return CostBreakdown{
		Base:      base,
		Surcharge: surcharge,
		Options:   options,
		Total:     base.Add(surcharge).Add(options),
	}
}

// ComputeHomeCost totals a home price table entry plus the chosen add-ons.
// Callers must have resolved the table entry first; a missing entry means
// the coverage is unavailable, not free.
func ComputeHomeCost(breakdown HomePriceBreakdown, addOns []HomeAddOn) decimal.Decimal {
	total := breakdown.SuggestedRetail
	for _, addOn := range addOns {
		total = total.Add(addOn.Price)
	}
	return total
}

// ComputeMasterTotal sums every vehicle total and the optional home total.
func ComputeMasterTotal(vehicleCosts []CostBreakdown, homeTotal *decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, costs := range vehicleCosts {
		total = total.Add(costs.Total)
	}
	if homeTotal != nil {
		total = total.Add(*homeTotal)
	}
	return total
}

// QualifiesForBundleDiscount reports whether the cart composition earns the
// multi-product discount: two or more covered vehicles, or at least one
// covered vehicle combined with a home plan.
func QualifiesForBundleDiscount(coveredVehicles int, hasHome bool) bool {
	if coveredVehicles >= 2 {
		return true
	}
	return coveredVehicles >= 1 && hasHome
}

// ApplyBundleDiscount returns the amount due after the bundle discount.
// Carts that do not qualify are returned unchanged.
func ApplyBundleDiscount(total decimal.Decimal, coveredVehicles int, hasHome bool) decimal.Decimal {
	if !QualifiesForBundleDiscount(coveredVehicles, hasHome) {
		return total
	}
	factor := decimal.NewFromInt(100).Sub(BundleDiscountPercent).Div(decimal.NewFromInt(100))
	return total.Mul(factor)
}

// InitialReserveAmount sums the reserve-tagged preview buckets across all
// vehicles and adds the home plan's reserve component when present.
func InitialReserveAmount(vehicleBuckets [][]PreviewBucket, home *HomeSelection) decimal.Decimal {
	total := decimal.Zero
	for _, buckets := range vehicleBuckets {
		for _, bucket := range buckets {
			if _, ok := reserveBucketCodes[bucket.Code]; ok {
				total = total.Add(bucket.Amount)
			}
		}
	}
	if home != nil {
		total = total.Add(home.Breakdown.Reserve)
	}
	return total
}

// ComputeBuydownSchedule amortises totalDue over termMonths after the
// initial reserve payment. The remaining balance never goes negative; an
// oversized reserve simply means nothing is owed monthly.
func ComputeBuydownSchedule(totalDue, initialReserve decimal.Decimal, termMonths int) BuydownSchedule {
	remaining := totalDue.Sub(initialReserve)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	monthly := decimal.Zero
	if termMonths > 0 {
		monthly = remaining.Div(decimal.NewFromInt(int64(termMonths)))
	}
	return BuydownSchedule{
		Initial:        initialReserve,
		Remaining:      remaining,
		TermMonths:     termMonths,
		MonthlyPayment: monthly,
	}
}

// RoundAmount normalises an internal full-precision amount to the two
// decimal places used on API and gateway boundaries.
func RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}
