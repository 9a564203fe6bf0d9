// Package catalog holds the static price tables for home protection plans.
// The tables are embedded at build time; string dollar amounts in the source
// JSON are normalised to decimals during load so downstream pricing never
// parses money.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/click4coverage/api/internal/domain"
)

//go:embed home_coverages.json
var homeCoveragesJSON []byte

// Coverage type keys and their SKU code fragments.
const (
	HomeTypeAppliance = "appliance"
	HomeTypeSystem    = "system"
	HomeTypeTotal     = "total"
)

var homeTypeCodes = map[string]string{
	HomeTypeAppliance: "APL",
	HomeTypeSystem:    "SYS",
	HomeTypeTotal:     "TTL",
}

// HomeTypeLabels names each package for display and contract notes.
var HomeTypeLabels = map[string]string{
	HomeTypeAppliance: "Appliance Package",
	HomeTypeSystem:    "Systems Package",
	HomeTypeTotal:     "Total Home Package",
}

// Home size keys and their SKU code fragments.
const (
	HomeSizeSmall  = "less-than-5"
	HomeSizeMedium = "between-5-and-8"
	HomeSizeLarge  = "more-than-8"
	HomeSizeCondo  = "condo"
)

var homeSizeCodes = map[string]string{
	HomeSizeSmall:  "5K",
	HomeSizeMedium: "8K",
	HomeSizeLarge:  "12K",
	HomeSizeCondo:  "CND",
}

// HomeSizeLabels names each dwelling size band.
var HomeSizeLabels = map[string]string{
	HomeSizeSmall:  "Homes less than 5,000 sq. ft",
	HomeSizeMedium: "Homes from 5,000 to 8,000 sq. ft",
	HomeSizeLarge:  "Homes from 8,001 to 12,000 sq. ft",
	HomeSizeCondo:  "Condominiums less than 5,000 sq. ft",
}

// Durations lists the coverage lengths, in years, offered for home plans.
var Durations = []int{1, 2, 3}

type rawHomeEntry struct {
	CoverageRate    string `json:"coverageRate"`
	Term            string `json:"term"`
	Admin           string `json:"admin"`
	Reserve         string `json:"reserve"`
	Commission      string `json:"commision"`
	Total           string `json:"total"`
	SuggestedRetail string `json:"suggestedRetail"`
}

// HomeCatalog resolves coverage codes to price breakdowns and prices add-ons
// per duration.
type HomeCatalog struct {
	entries map[string]domain.HomePriceBreakdown
	addOns  map[int]map[string]addOnEntry
}

type addOnEntry struct {
	name           string
	price          decimal.Decimal
	lossCodePrefix string
	lossCodeSuffix string
}

// LoadHomeCatalog parses the embedded price tables. It fails when any dollar
// field cannot be parsed, so a bad table edit surfaces at startup rather
// than as a zero price.
func LoadHomeCatalog() (*HomeCatalog, error) {
	var raw map[string]rawHomeEntry
	if err := json.Unmarshal(homeCoveragesJSON, &raw); err != nil {
		return nil, fmt.Errorf("catalog: parse home coverages: %w", err)
	}

	entries := make(map[string]domain.HomePriceBreakdown, len(raw))
	for code, entry := range raw {
		parsed, err := parseHomeEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("catalog: entry %s: %w", code, err)
		}
		entries[strings.ToUpper(strings.TrimSpace(code))] = parsed
	}

	return &HomeCatalog{
		entries: entries,
		addOns:  homeAddOnTable(),
	}, nil
}

func parseHomeEntry(entry rawHomeEntry) (domain.HomePriceBreakdown, error) {
	var out domain.HomePriceBreakdown
	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"coverageRate", entry.CoverageRate, &out.CoverageRate},
		{"term", entry.Term, &out.Term},
		{"admin", entry.Admin, &out.Admin},
		{"reserve", entry.Reserve, &out.Reserve},
		{"commision", entry.Commission, &out.Commission},
		{"total", entry.Total, &out.Total},
		{"suggestedRetail", entry.SuggestedRetail, &out.SuggestedRetail},
	}
	for _, field := range fields {
		value, err := decimal.NewFromString(strings.TrimSpace(field.value))
		if err != nil {
			return domain.HomePriceBreakdown{}, fmt.Errorf("field %s: %w", field.name, err)
		}
		*field.dst = value
	}
	return out, nil
}

// BuildCoverageCode assembles the SKU for a (type, duration, size) choice.
// Unknown keys yield an error rather than a malformed SKU.
func BuildCoverageCode(coverageType string, durationYears int, homeSize string) (string, error) {
	typeCode, ok := homeTypeCodes[coverageType]
	if !ok {
		return "", fmt.Errorf("catalog: unknown home coverage type %q", coverageType)
	}
	sizeCode, ok := homeSizeCodes[homeSize]
	if !ok {
		return "", fmt.Errorf("catalog: unknown home size %q", homeSize)
	}
	if !validDuration(durationYears) {
		return "", fmt.Errorf("catalog: unsupported duration %d", durationYears)
	}
	return fmt.Sprintf("BEE%sB%dY%s100D", typeCode, durationYears, sizeCode), nil
}

// Lookup returns the price breakdown for a coverage code. The boolean is
// false when the code has no table entry; callers must treat that as
// coverage unavailable.
func (c *HomeCatalog) Lookup(coverageCode string) (domain.HomePriceBreakdown, bool) {
	if c == nil {
		return domain.HomePriceBreakdown{}, false
	}
	entry, ok := c.entries[strings.ToUpper(strings.TrimSpace(coverageCode))]
	return entry, ok
}

// AddOns lists the priced add-ons available for a coverage duration, with
// loss codes expanded from the prefix/duration/suffix template.
func (c *HomeCatalog) AddOns(durationYears int) []domain.HomeAddOn {
	if c == nil {
		return nil
	}
	table, ok := c.addOns[durationYears]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]domain.HomeAddOn, 0, len(keys))
	for _, key := range keys {
		entry := table[key]
		out = append(out, domain.HomeAddOn{
			Code:  fmt.Sprintf("%s%d%s", entry.lossCodePrefix, durationYears, entry.lossCodeSuffix),
			Name:  entry.name,
			Price: entry.price,
		})
	}
	return out
}

// AddOn resolves a single add-on by key for a duration.
func (c *HomeCatalog) AddOn(durationYears int, key string) (domain.HomeAddOn, bool) {
	if c == nil {
		return domain.HomeAddOn{}, false
	}
	table, ok := c.addOns[durationYears]
	if !ok {
		return domain.HomeAddOn{}, false
	}
	entry, ok := table[key]
	if !ok {
		return domain.HomeAddOn{}, false
	}
	return domain.HomeAddOn{
		Code:  fmt.Sprintf("%s%d%s", entry.lossCodePrefix, durationYears, entry.lossCodeSuffix),
		Name:  entry.name,
		Price: entry.price,
	}, true
}

func validDuration(years int) bool {
	for _, d := range Durations {
		if d == years {
			return true
		}
	}
	return false
}

func homeAddOnTable() map[int]map[string]addOnEntry {
	price := func(value string) decimal.Decimal {
		d, err := decimal.NewFromString(value)
		if err != nil {
			panic(fmt.Sprintf("catalog: bad add-on price %q: %v", value, err))
		}
		return d
	}

	return map[int]map[string]addOnEntry{
		1: {
			"additional-ac": {"Additional A/C", price("94.47"), "BEEAAC", "Y100D"},
			"boiler":        {"Boiler", price("30.89"), "BEEBL", "Y100D"},
			"vacuum-system": {"Central Vacuum System", price("12.41"), "BEECV", "Y100D"},
			"freezer":       {"Free-Standing Freezer", price("59.83"), "BEEFSF", "Y100D"},
			"thermostat":    {"Programmable Thermostat", price("54.38"), "BEEPTH", "Y100D"},
			"sec-fridge":    {"Secondary Refrigerator", price("43.49"), "BEESRF", "Y100D"},
			"septic":        {"Septic System", price("16.26"), "BEESEPT", "Y100D"},
			"spa":           {"Spa Equipment", price("180.38"), "BEESPA", "Y100D"},
			"pool":          {"Swimming Pool Equipment", price("180.38"), "BEESPE", "Y100D"},
			"well":          {"Well Pump", price("128.83"), "BEEWP", "Y100D"},
			"wine":          {"Wine Cooler", price("21.75"), "BEEWC", "Y100D"},
		},
		2: {
			"additional-ac": {"Additional A/C", price("147.43"), "BEEAAC", "Y100D"},
			"boiler":        {"Boiler", price("38.63"), "BEEBL", "Y100D"},
			"vacuum-system": {"Central Vacuum System", price("14.13"), "BEECV", "Y100D"},
			"freezer":       {"Free-Standing Freezer", price("88.12"), "BEEFSF", "Y100D"},
			"thermostat":    {"Programmable Thermostat", price("78.83"), "BEEPTH", "Y100D"},
			"sec-fridge":    {"Secondary Refrigerator", price("60.20"), "BEESRF", "Y100D"},
			"septic":        {"Septic System", price("17.16"), "BEESEPT", "Y100D"},
			"spa":           {"Spa Equipment", price("294.42"), "BEESPA", "Y100D"},
			"pool":          {"Swimming Pool Equipment", price("294.42"), "BEESPE", "Y100D"},
			"well":          {"Well Pump", price("206.22"), "BEEWP", "Y100D"},
			"wine":          {"Wine Cooler", price("30.11"), "BEEWC", "Y100D"},
		},
		3: {
			"additional-ac": {"Additional A/C", price("206.68"), "BEEAAC", "Y100D"},
			"boiler":        {"Boiler", price("47.30"), "BEEBL", "Y100D"},
			"vacuum-system": {"Central Vacuum System", price("16.05"), "BEECV", "Y100D"},
			"freezer":       {"Free-Standing Freezer", price("119.75"), "BEEFSF", "Y100D"},
			"thermostat":    {"Programmable Thermostat", price("106.18"), "BEEPTH", "Y100D"},
			"sec-fridge":    {"Secondary Refrigerator", price("78.89"), "BEESRF", "Y100D"},
			"septic":        {"Septic System", price("18.16"), "BEESEPT", "Y100D"},
			"spa":           {"Spa Equipment", price("422.04"), "BEESPA", "Y100D"},
			"pool":          {"Swimming Pool Equipment", price("422.04"), "BEESPE", "Y100D"},
			"well":          {"Well Pump", price("292.82"), "BEEWP", "Y100D"},
			"wine":          {"Wine Cooler", price("39.45"), "BEEWC", "Y100D"},
		},
	}
}
