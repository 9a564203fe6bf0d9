package catalog

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", value, err)
	}
	return d
}

func TestLoadHomeCatalogParsesAllEntries(t *testing.T) {
	c, err := LoadHomeCatalog()
	if err != nil {
		t.Fatalf("LoadHomeCatalog: %v", err)
	}
	if len(c.entries) == 0 {
		t.Fatal("catalog loaded no entries")
	}
	for code, entry := range c.entries {
		if entry.SuggestedRetail.IsZero() || entry.SuggestedRetail.IsNegative() {
			t.Fatalf("entry %s has non-positive suggested retail %s", code, entry.SuggestedRetail)
		}
		if entry.Reserve.IsNegative() {
			t.Fatalf("entry %s has negative reserve %s", code, entry.Reserve)
		}
	}
}

func TestBuildCoverageCode(t *testing.T) {
	cases := []struct {
		coverageType string
		duration     int
		size         string
		want         string
	}{
		{HomeTypeAppliance, 1, HomeSizeSmall, "BEEAPLB1Y5K100D"},
		{HomeTypeSystem, 2, HomeSizeMedium, "BEESYSB2Y8K100D"},
		{HomeTypeTotal, 3, HomeSizeLarge, "BEETTLB3Y12K100D"},
		{HomeTypeTotal, 1, HomeSizeCondo, "BEETTLB1YCND100D"},
	}
	for _, tc := range cases {
		got, err := BuildCoverageCode(tc.coverageType, tc.duration, tc.size)
		if err != nil {
			t.Fatalf("BuildCoverageCode(%s, %d, %s): %v", tc.coverageType, tc.duration, tc.size, err)
		}
		if got != tc.want {
			t.Fatalf("BuildCoverageCode(%s, %d, %s) = %s, want %s", tc.coverageType, tc.duration, tc.size, got, tc.want)
		}
	}
}

func TestBuildCoverageCodeRejectsUnknownInputs(t *testing.T) {
	if _, err := BuildCoverageCode("boat", 1, HomeSizeSmall); err == nil {
		t.Fatal("unknown coverage type accepted")
	}
	if _, err := BuildCoverageCode(HomeTypeTotal, 5, HomeSizeSmall); err == nil {
		t.Fatal("unsupported duration accepted")
	}
	if _, err := BuildCoverageCode(HomeTypeTotal, 1, "mansion"); err == nil {
		t.Fatal("unknown home size accepted")
	}
}

// Every selectable combination must resolve to a priced table entry.
func TestEveryCombinationHasEntry(t *testing.T) {
	c, err := LoadHomeCatalog()
	if err != nil {
		t.Fatalf("LoadHomeCatalog: %v", err)
	}

	types := []string{HomeTypeAppliance, HomeTypeSystem, HomeTypeTotal}
	sizes := []string{HomeSizeSmall, HomeSizeMedium, HomeSizeLarge, HomeSizeCondo}

	for _, coverageType := range types {
		for _, duration := range Durations {
			for _, size := range sizes {
				code, err := BuildCoverageCode(coverageType, duration, size)
				if err != nil {
					t.Fatalf("BuildCoverageCode(%s, %d, %s): %v", coverageType, duration, size, err)
				}
				if _, ok := c.Lookup(code); !ok {
					t.Fatalf("no price entry for %s", code)
				}
			}
		}
	}
}

func TestLookupMissReportsUnavailable(t *testing.T) {
	c, err := LoadHomeCatalog()
	if err != nil {
		t.Fatalf("LoadHomeCatalog: %v", err)
	}
	if _, ok := c.Lookup("BEEXXXB9Y0K100D"); ok {
		t.Fatal("lookup of unknown code reported available")
	}
}

func TestAddOnLossCodeTemplate(t *testing.T) {
	c, err := LoadHomeCatalog()
	if err != nil {
		t.Fatalf("LoadHomeCatalog: %v", err)
	}

	addOn, ok := c.AddOn(2, "boiler")
	if !ok {
		t.Fatal("boiler add-on missing for duration 2")
	}
	if addOn.Code != "BEEBL2Y100D" {
		t.Fatalf("add-on code = %s, want BEEBL2Y100D", addOn.Code)
	}
	if !addOn.Price.Equal(dec(t, "38.63")) {
		t.Fatalf("add-on price = %s, want 38.63", addOn.Price)
	}

	if _, ok := c.AddOn(4, "boiler"); ok {
		t.Fatal("add-on returned for unsupported duration")
	}
}

func TestAddOnsSortedAndPricedPerDuration(t *testing.T) {
	c, err := LoadHomeCatalog()
	if err != nil {
		t.Fatalf("LoadHomeCatalog: %v", err)
	}

	for _, duration := range Durations {
		addOns := c.AddOns(duration)
		if len(addOns) == 0 {
			t.Fatalf("no add-ons for duration %d", duration)
		}
		for _, addOn := range addOns {
			if addOn.Price.IsZero() || addOn.Price.IsNegative() {
				t.Fatalf("add-on %s has non-positive price %s", addOn.Code, addOn.Price)
			}
		}
	}

	// Longer durations price the same add-on higher.
	one, _ := c.AddOn(1, "well")
	three, _ := c.AddOn(3, "well")
	if !three.Price.GreaterThan(one.Price) {
		t.Fatalf("duration 3 well pump (%s) not priced above duration 1 (%s)", three.Price, one.Price)
	}
}
