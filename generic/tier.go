/*
tier.go - Slab/tier matching

PURPOSE:
  Incentive programs are full of "between X and Y you earn Z" tables:
  customer-count targets, monthly revenue slabs, achievement levels.
  MatchTier finds the row that contains a value.

BOUNDS:
  UpperExclusive: [min, max)   daily targets and most tier tables
  UpperInclusive: [min, max]   monthly revenue slabs ("0 - 100000")
  A tier with no Max is open-ended above Min, wherever it sits.

HOT PATH:
  MatchTier assumes well-formed input (sorted, non-overlapping). The shape
  is checked once, when a rule is authored, by ValidateTiers.
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier is one row of a tier table.
type Tier struct {
	Min    decimal.Decimal  `json:"min" yaml:"min"`
	Max    *decimal.Decimal `json:"max,omitempty" yaml:"max,omitempty"`
	Reward decimal.Decimal  `json:"reward" yaml:"reward"`
	Label  string           `json:"label,omitempty" yaml:"label,omitempty"`
}

type Bounds int

const (
	UpperExclusive Bounds = iota
	UpperInclusive
)

// Contains reports whether v falls inside the tier under the given bounds.
func (t Tier) Contains(v decimal.Decimal, bounds Bounds) bool {
	if v.LessThan(t.Min) {
		return false
	}
	if t.Max == nil {
		return true
	}
	if bounds == UpperInclusive {
		return v.LessThanOrEqual(*t.Max)
	}
	return v.LessThan(*t.Max)
}

// MatchTier returns the index of the first tier containing v, or false.
func MatchTier(tiers []Tier, v decimal.Decimal, bounds Bounds) (int, bool) {
	for i := range tiers {
		if tiers[i].Contains(v, bounds) {
			return i, true
		}
	}
	return -1, false
}

// ValidateTiers checks a tier table at authoring time: ascending order,
// min <= max, no overlap, and only the last tier may be open-ended.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: tier table is empty", ErrInvalidRule)
	}
	for i, t := range tiers {
		if t.Min.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative min %s", ErrInvalidRule, i, t.Min)
		}
		if t.Reward.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative reward %s", ErrInvalidRule, i, t.Reward)
		}
		if t.Max == nil {
			if i != len(tiers)-1 {
				return fmt.Errorf("%w: tier %d is open-ended but not last", ErrInvalidRule, i)
			}
			continue
		}
		if t.Max.LessThan(t.Min) {
			return fmt.Errorf("%w: tier %d has max %s below min %s", ErrInvalidRule, i, *t.Max, t.Min)
		}
		// Inclusive tables may touch ("0-100000", "100000-"); the shared
		// boundary resolves to the lower tier.
		if i+1 < len(tiers) && tiers[i+1].Min.LessThan(*t.Max) {
			return fmt.Errorf("%w: tier %d overlaps tier %d at %s", ErrInvalidRule, i, i+1, tiers[i+1].Min)
		}
	}
	return nil
}
