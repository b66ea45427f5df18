package rewards

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

// =============================================================================
// SKU MATCHERS - Which sold products a product line rewards
// =============================================================================

// SKUMatcher selects the SKU sales a product line applies to.
type SKUMatcher interface {
	Match(sale generic.SKUSale) bool
	String() string
}

// BySKU matches one SKU exactly.
type BySKU struct{ SKU string }

func (m BySKU) Match(s generic.SKUSale) bool { return s.SKU == m.SKU }
func (m BySKU) String() string               { return "sku=" + m.SKU }

// ByBrand matches brands containing Substr, ignoring case.
type ByBrand struct{ Substr string }

func (m ByBrand) Match(s generic.SKUSale) bool { return containsFold(s.Brand, m.Substr) }
func (m ByBrand) String() string               { return "brand~" + m.Substr }

// ByCategory matches categories containing Substr, ignoring case.
type ByCategory struct{ Substr string }

func (m ByCategory) Match(s generic.SKUSale) bool { return containsFold(s.Category, m.Substr) }
func (m ByCategory) String() string               { return "category~" + m.Substr }

// AllOf matches when every matcher does.
type AllOf []SKUMatcher

func (m AllOf) Match(s generic.SKUSale) bool {
	for _, sub := range m {
		if !sub.Match(s) {
			return false
		}
	}
	return len(m) > 0
}

func (m AllOf) String() string {
	parts := make([]string, len(m))
	for i, sub := range m {
		parts[i] = sub.String()
	}
	return strings.Join(parts, "&")
}

// noMatch is the matcher of a line with nothing to match on.
type noMatch struct{}

func (noMatch) Match(generic.SKUSale) bool { return false }
func (noMatch) String() string             { return "none" }

func containsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Matcher builds the line's matcher. A SKU takes precedence over brand
// and category.
func (l ProductLine) Matcher() SKUMatcher {
	if l.SKU != "" {
		return BySKU{SKU: l.SKU}
	}
	var all AllOf
	if l.Brand != "" {
		all = append(all, ByBrand{Substr: l.Brand})
	}
	if l.Category != "" {
		all = append(all, ByCategory{Substr: l.Category})
	}
	switch len(all) {
	case 0:
		return noMatch{}
	case 1:
		return all[0]
	}
	return all
}

// SumMatching totals units and revenue of the sales m selects.
func SumMatching(m SKUMatcher, sales []generic.SKUSale) (units int64, revenue decimal.Decimal) {
	revenue = decimal.Zero
	for _, s := range sales {
		if m.Match(s) {
			units += s.Units
			revenue = revenue.Add(s.Revenue)
		}
	}
	return units, revenue
}
