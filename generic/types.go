/*
Package generic provides the domain-agnostic core of the incentive engine.

PURPOSE:
  This package contains the types and algorithms that do not depend on any
  particular incentive program: money and points amounts, calendar helpers,
  effective-dated rule versions, tier matching, the payout ledger and the
  persistence contracts. The rewards package builds the retail incentive
  programs (daily targets, monthly slabs, spin wheels...) on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 500 currency, 20 points)
  - Identifiers: Type-safe IDs for users, stores, rules and payouts
  - PerformanceRecord: One row per (user, store, period) of raw sales
    inputs and the rewards computed from them

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing users and stores
  3. Upsert, never duplicate: A performance record is keyed by
     (user, store, granularity, period start)
  4. Auditability: Every computed reward names the rule version behind it

SEE ALSO:
  - rule.go: Effective-dated rule versions
  - ledger.go: Payout ledger
  - store.go: Persistence interfaces
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal `json:"value"`
	Unit  Unit            `json:"unit"`
}

type Unit string

const (
	UnitCurrency Unit = "currency"
	UnitPoints   Unit = "points"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromDecimal(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func Currency(value decimal.Decimal) Amount { return Amount{Value: value, Unit: UnitCurrency} }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Unit == b.Unit && a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type StoreID string
type RuleID string
type PayoutID string

// =============================================================================
// PERFORMANCE RECORD - Raw inputs and computed rewards for one period
// =============================================================================

type Granularity string

const (
	GranularityDaily   Granularity = "DAILY"
	GranularityMonthly Granularity = "MONTHLY"
)

// Location describes where the performance happened. Store type drives
// daily-target overrides; city/state/country drive leaderboard grouping.
type Location struct {
	StoreType string `json:"store_type"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Country   string `json:"country,omitempty"`
}

// SKUSale is one product line sold during the period.
type SKUSale struct {
	SKU      string          `json:"sku,omitempty"`
	Brand    string          `json:"brand,omitempty"`
	Category string          `json:"category,omitempty"`
	Units    int64           `json:"units" validate:"gte=0"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type TeleSales struct {
	Dials    int64           `json:"dials" validate:"gte=0"`
	Bookings int64           `json:"bookings" validate:"gte=0"`
	QAScore  decimal.Decimal `json:"qa_score"`
}

// RawInputs are the observations received from POS/CRM for a period.
type RawInputs struct {
	CustomerCount  int64           `json:"customer_count" validate:"gte=0"`
	PaidBillsCount int64           `json:"paid_bills_count" validate:"gte=0"`
	RevenuePreTax  decimal.Decimal `json:"revenue_pre_tax"`
	SKUSales       []SKUSale       `json:"sku_sales,omitempty" validate:"dive"`
	TeleSales      TeleSales       `json:"tele_sales"`
}

// Add merges two sets of inputs. Used to roll daily records into a
// monthly aggregate.
func (r RawInputs) Add(o RawInputs) RawInputs {
	out := RawInputs{
		CustomerCount:  r.CustomerCount + o.CustomerCount,
		PaidBillsCount: r.PaidBillsCount + o.PaidBillsCount,
		RevenuePreTax:  r.RevenuePreTax.Add(o.RevenuePreTax),
		TeleSales: TeleSales{
			Dials:    r.TeleSales.Dials + o.TeleSales.Dials,
			Bookings: r.TeleSales.Bookings + o.TeleSales.Bookings,
			QAScore:  decimal.Max(r.TeleSales.QAScore, o.TeleSales.QAScore),
		},
	}
	out.SKUSales = append(append(out.SKUSales, r.SKUSales...), o.SKUSales...)
	return out
}

type ComponentType string

const (
	ComponentCustomerCount ComponentType = "CUSTOMER_COUNT"
	ComponentProduct       ComponentType = "PRODUCT"
	ComponentTeleSales     ComponentType = "TELE_SALES"
	ComponentSpin          ComponentType = "SPIN"
	ComponentSlab          ComponentType = "SLAB_INCENTIVE"
	ComponentDeduction     ComponentType = "UNDERPERFORMANCE_DEDUCTION"
	ComponentQuarterly     ComponentType = "QUARTERLY_EVALUATION"
)

// RewardComponent is one itemized piece of a computed reward.
type RewardComponent struct {
	RuleID RuleID          `json:"rule_id"`
	LineID string          `json:"line_id,omitempty"`
	Type   ComponentType   `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note,omitempty"`
}

// AppliedSlab is one monthly slab evaluation. The list on a record is
// additive history.
type AppliedSlab struct {
	RuleID       RuleID          `json:"rule_id"`
	SlabIndex    int             `json:"slab_index"`
	NetIncentive decimal.Decimal `json:"net_incentive"`
	AppliedAt    time.Time       `json:"applied_at"`
}

type PerformanceRecord struct {
	UserID      UserID      `json:"user_id"`
	StoreID     StoreID     `json:"store_id"`
	Granularity Granularity `json:"granularity"`
	PeriodStart TimePoint   `json:"period_start"`
	Location    Location    `json:"location"`
	Inputs      RawInputs   `json:"inputs"`

	Components      []RewardComponent `json:"components"`
	TotalReward     decimal.Decimal   `json:"total_reward"`
	SpinEligible    bool              `json:"spin_eligible"`
	DailyTargetTier *int              `json:"daily_target_tier,omitempty"`
	AppliedSlabs    []AppliedSlab     `json:"applied_slabs,omitempty"`

	// Seq is the insertion order of the record; it survives upserts and
	// drives leaderboard tie-breaking.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PerformanceKey is the upsert key of a performance record.
type PerformanceKey struct {
	UserID      UserID
	StoreID     StoreID
	Granularity Granularity
	PeriodStart TimePoint
}

func (r PerformanceRecord) Key() PerformanceKey {
	return PerformanceKey{UserID: r.UserID, StoreID: r.StoreID, Granularity: r.Granularity, PeriodStart: r.PeriodStart}
}

// ComponentTotal sums the components of the given type (and rule, when
// ruleID is non-empty).
func (r PerformanceRecord) ComponentTotal(t ComponentType, ruleID RuleID, lineID string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Components {
		if c.Type != t {
			continue
		}
		if ruleID != "" && c.RuleID != ruleID {
			continue
		}
		if lineID != "" && c.LineID != lineID {
			continue
		}
		total = total.Add(c.Amount)
	}
	return total
}

// =============================================================================
// SPIN RECORD - One probabilistic draw
// =============================================================================

// SpinRecord is immutable once written.
type SpinRecord struct {
	ID         string          `json:"id"`
	UserID     UserID          `json:"user_id"`
	RuleID     RuleID          `json:"rule_id"`
	At         time.Time       `json:"at"`
	Reason     string          `json:"reason"`
	RewardType string          `json:"reward_type"`
	Value      decimal.Decimal `json:"value"`
	Label      string          `json:"label,omitempty"`
}
