/*
Package rewards implements the retail incentive programs on top of the
generic engine.

PURPOSE:
  Turns daily sales observations from POS/CRM into rewards for store
  staff: customer-count targets, product-line incentives, tele-sales
  bonuses, monthly revenue slabs, quarterly non-performance reviews and
  spin-wheel draws. Every program is configured as an effective-dated
  generic.Rule whose payload is one of the types in this file.

RULE KINDS:
  monthly-slab:      Revenue slabs paid at month end, with an
                     under-performance deduction
  quarterly-eval:    Rolling N-month review with a consequence
  daily-target:      Customer-count tiers per store type (scope CUSTOMER_COUNT)
  product-incentive: FLAT or PCT reward per matching SKU/brand/category line
  tele-sales:        Dial target bonus, per-booking reward, QA bonus
  spin-wheel:        Weighted reward list with daily/monthly caps
  referral, mystery-product, team-battle, level-policy:
                     Stored and resolvable; evaluated by downstream programs

PAYLOADS:
  Payload JSON is decoded with DecodePayload and checked with
  ValidatePayload at authoring time. Calculators assume a stored payload
  is well formed.

SEE ALSO:
  - resolver.go: Finding the active rule version
  - daily.go, monthly.go, quarterly.go, spin.go: The calculators
  - factory/rule.go: Authoring rules from JSON/YAML
*/
package rewards

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

// =============================================================================
// RULE KINDS
// =============================================================================

const (
	KindMonthlySlab      generic.RuleKind = "monthly-slab"
	KindQuarterlyEval    generic.RuleKind = "quarterly-eval"
	KindDailyTarget      generic.RuleKind = "daily-target"
	KindProductIncentive generic.RuleKind = "product-incentive"
	KindTeleSales        generic.RuleKind = "tele-sales"
	KindSpinWheel        generic.RuleKind = "spin-wheel"
	KindReferral         generic.RuleKind = "referral"
	KindMysteryProduct   generic.RuleKind = "mystery-product"
	KindTeamBattle       generic.RuleKind = "team-battle"
	KindLevelPolicy      generic.RuleKind = "level-policy"
)

// AllKinds lists every kind the engine accepts.
var AllKinds = []generic.RuleKind{
	KindMonthlySlab, KindQuarterlyEval, KindDailyTarget, KindProductIncentive,
	KindTeleSales, KindSpinWheel, KindReferral, KindMysteryProduct,
	KindTeamBattle, KindLevelPolicy,
}

// ScopeCustomerCount is the daily-target scope the daily calculator reads.
const ScopeCustomerCount = "CUSTOMER_COUNT"

type RewardMode string

const (
	ModeFlat RewardMode = "FLAT"
	ModePct  RewardMode = "PCT"
)

// =============================================================================
// MONTHLY SLAB
// =============================================================================

type MonthlySlabPayload struct {
	Slabs            []Slab            `json:"slabs" yaml:"slabs" validate:"required,min=1,dive"`
	UnderPerformance *UnderPerformance `json:"under_performance,omitempty" yaml:"under_performance,omitempty"`
}

// Slab is a closed revenue interval [MinSales, MaxSales]; the highest slab
// may leave MaxSales unset.
type Slab struct {
	MinSales         decimal.Decimal  `json:"min_sales" yaml:"min_sales"`
	MaxSales         *decimal.Decimal `json:"max_sales,omitempty" yaml:"max_sales,omitempty"`
	Incentive        decimal.Decimal  `json:"incentive" yaml:"incentive"`
	SalaryAdjustment decimal.Decimal  `json:"salary_adjustment" yaml:"salary_adjustment"`
	Label            string           `json:"label,omitempty" yaml:"label,omitempty"`
}

// UnderPerformance deducts from the slab incentive when revenue is below
// Threshold: a flat Amount, or Pct percent of revenue.
type UnderPerformance struct {
	Threshold decimal.Decimal `json:"threshold" yaml:"threshold"`
	Mode      RewardMode      `json:"mode" yaml:"mode" validate:"required,oneof=FLAT PCT"`
	Amount    decimal.Decimal `json:"amount" yaml:"amount"`
	Pct       decimal.Decimal `json:"pct" yaml:"pct"`
}

func (p MonthlySlabPayload) Tiers() []generic.Tier {
	tiers := make([]generic.Tier, len(p.Slabs))
	for i, s := range p.Slabs {
		tiers[i] = generic.Tier{Min: s.MinSales, Max: s.MaxSales, Reward: s.Incentive, Label: s.Label}
	}
	return tiers
}

func (p MonthlySlabPayload) validate() error {
	if err := generic.ValidateTiers(p.Tiers()); err != nil {
		return err
	}
	if up := p.UnderPerformance; up != nil {
		if up.Threshold.IsNegative() || up.Amount.IsNegative() || up.Pct.IsNegative() {
			return fmt.Errorf("%w: under-performance values must not be negative", generic.ErrInvalidRule)
		}
		if up.Pct.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: under-performance pct %s exceeds 100", generic.ErrInvalidRule, up.Pct)
		}
	}
	return nil
}

// =============================================================================
// QUARTERLY EVALUATION
// =============================================================================

type Consequence string

const (
	ConsequenceNone     Consequence = "NONE"
	ConsequenceBaseOnly Consequence = "BASE_ONLY"
	ConsequencePIP      Consequence = "PIP"
	ConsequenceNotice   Consequence = "NOTICE"
)

type QuarterlyEvalPayload struct {
	EvalWindowMonths        int                     `json:"eval_window_months" yaml:"eval_window_months" validate:"min=1,max=12"`
	NonPerformanceThreshold NonPerformanceThreshold `json:"non_performance_threshold" yaml:"non_performance_threshold"`
	Consequence             Consequence             `json:"consequence" yaml:"consequence" validate:"required,oneof=BASE_ONLY PIP NOTICE"`
}

type NonPerformanceThreshold struct {
	MinSales       decimal.Decimal `json:"min_sales" yaml:"min_sales"`
	MonthsRequired int             `json:"months_required" yaml:"months_required" validate:"min=1"`
}

func (p QuarterlyEvalPayload) validate() error {
	if p.NonPerformanceThreshold.MonthsRequired > p.EvalWindowMonths {
		return fmt.Errorf("%w: months_required %d exceeds eval_window_months %d",
			generic.ErrInvalidRule, p.NonPerformanceThreshold.MonthsRequired, p.EvalWindowMonths)
	}
	if p.NonPerformanceThreshold.MinSales.IsNegative() {
		return fmt.Errorf("%w: negative min_sales", generic.ErrInvalidRule)
	}
	return nil
}

// =============================================================================
// DAILY TARGET
// =============================================================================

// DailyTargetPayload holds one tier table per store type. A store type
// not listed earns nothing from the rule.
type DailyTargetPayload struct {
	StoreTypes []StoreTypeTarget `json:"store_types" yaml:"store_types" validate:"required,min=1,dive"`
}

type StoreTypeTarget struct {
	StoreType string         `json:"store_type" yaml:"store_type" validate:"required"`
	Tiers     []generic.Tier `json:"tiers" yaml:"tiers" validate:"required,min=1"`
}

func (p DailyTargetPayload) validate() error {
	seen := make(map[string]bool, len(p.StoreTypes))
	for _, st := range p.StoreTypes {
		// store types match case-insensitively
		key := strings.ToLower(st.StoreType)
		if seen[key] {
			return fmt.Errorf("%w: store type %q listed twice", generic.ErrInvalidRule, st.StoreType)
		}
		seen[key] = true
		if err := generic.ValidateTiers(st.Tiers); err != nil {
			return fmt.Errorf("store type %s: %w", st.StoreType, err)
		}
	}
	return nil
}

// =============================================================================
// PRODUCT INCENTIVE
// =============================================================================

type ProductIncentivePayload struct {
	Lines []ProductLine `json:"lines" yaml:"lines" validate:"required,min=1,dive"`
}

// ProductLine rewards sales of the products its matcher selects. SKU
// matches exactly; otherwise Brand and Category match as case-insensitive
// substrings, both required to match when both are set.
type ProductLine struct {
	ID         string           `json:"id" yaml:"id" validate:"required"`
	SKU        string           `json:"sku,omitempty" yaml:"sku,omitempty"`
	Brand      string           `json:"brand,omitempty" yaml:"brand,omitempty"`
	Category   string           `json:"category,omitempty" yaml:"category,omitempty"`
	Mode       RewardMode       `json:"mode" yaml:"mode" validate:"required,oneof=FLAT PCT"`
	Amount     decimal.Decimal  `json:"amount" yaml:"amount"`
	Pct        decimal.Decimal  `json:"pct" yaml:"pct"`
	DailyCap   *decimal.Decimal `json:"daily_cap,omitempty" yaml:"daily_cap,omitempty"`
	MonthlyCap *decimal.Decimal `json:"monthly_cap,omitempty" yaml:"monthly_cap,omitempty"`
}

func (p ProductIncentivePayload) validate() error {
	seen := make(map[string]bool, len(p.Lines))
	for _, l := range p.Lines {
		if seen[l.ID] {
			return fmt.Errorf("%w: product line %q listed twice", generic.ErrInvalidRule, l.ID)
		}
		seen[l.ID] = true
		if l.SKU == "" && l.Brand == "" && l.Category == "" {
			return fmt.Errorf("%w: product line %q needs a sku, brand or category", generic.ErrInvalidRule, l.ID)
		}
		if l.Amount.IsNegative() || l.Pct.IsNegative() {
			return fmt.Errorf("%w: product line %q has a negative reward", generic.ErrInvalidRule, l.ID)
		}
		for _, c := range []*decimal.Decimal{l.DailyCap, l.MonthlyCap} {
			if c != nil && c.IsNegative() {
				return fmt.Errorf("%w: product line %q has a negative cap", generic.ErrInvalidRule, l.ID)
			}
		}
	}
	return nil
}

// =============================================================================
// TELE-SALES
// =============================================================================

type TeleSalesPayload struct {
	DialTarget       int64           `json:"dial_target" yaml:"dial_target" validate:"min=0"`
	DialReward       decimal.Decimal `json:"dial_reward" yaml:"dial_reward"`
	PerBookingReward decimal.Decimal `json:"per_booking_reward" yaml:"per_booking_reward"`
	QAWeight         decimal.Decimal `json:"qa_weight" yaml:"qa_weight"`
}

func (p TeleSalesPayload) validate() error {
	if p.DialReward.IsNegative() || p.PerBookingReward.IsNegative() || p.QAWeight.IsNegative() {
		return fmt.Errorf("%w: tele-sales rewards must not be negative", generic.ErrInvalidRule)
	}
	return nil
}

// =============================================================================
// SPIN WHEEL
// =============================================================================

type UnlockCondition string

const (
	UnlockDailyTargetMet   UnlockCondition = "DAILY_TARGET_MET"
	UnlockProductTargetMet UnlockCondition = "PRODUCT_TARGET_MET"
	UnlockTeleTargetMet    UnlockCondition = "TELE_TARGET_MET"
	UnlockAlways           UnlockCondition = "ALWAYS"
)

type SpinWheelPayload struct {
	UnlockCondition UnlockCondition `json:"unlock_condition" yaml:"unlock_condition" validate:"required,oneof=DAILY_TARGET_MET PRODUCT_TARGET_MET TELE_TARGET_MET ALWAYS"`
	DailySpinCap    int             `json:"daily_spin_cap" yaml:"daily_spin_cap" validate:"min=0"`
	MonthlySpinCap  int             `json:"monthly_spin_cap" yaml:"monthly_spin_cap" validate:"min=0"`
	Rewards         []SpinReward    `json:"rewards" yaml:"rewards" validate:"required,min=1,dive"`
	// GrantReasons are reasons a spin may be granted for without the
	// unlock condition, e.g. a store promotion.
	GrantReasons    []string        `json:"grant_reasons,omitempty" yaml:"grant_reasons,omitempty" validate:"dive,required"`
}

// allows reports whether a spin may be requested for reason.
func (p SpinWheelPayload) allows(reason string) bool {
	return reason == string(p.UnlockCondition) || slices.Contains(p.GrantReasons, reason)
}

type SpinReward struct {
	Type        string          `json:"type" yaml:"type" validate:"required,oneof=CASH POINTS VOUCHER NONE"`
	Value       decimal.Decimal `json:"value" yaml:"value"`
	Label       string          `json:"label,omitempty" yaml:"label,omitempty"`
	Probability float64         `json:"probability" yaml:"probability" validate:"min=0,max=1"`
}

// probabilityTolerance absorbs float rounding in authored probabilities.
const probabilityTolerance = 1e-9

func (p SpinWheelPayload) validate() error {
	sum := 0.0
	for _, r := range p.Rewards {
		if r.Value.IsNegative() {
			return fmt.Errorf("%w: spin reward %q has a negative value", generic.ErrInvalidRule, r.Label)
		}
		sum += r.Probability
	}
	if sum > 1+probabilityTolerance || math.IsNaN(sum) {
		return fmt.Errorf("%w: spin probabilities sum to %g", generic.ErrInvalidRule, sum)
	}
	for i, reason := range p.GrantReasons {
		if reason == string(p.UnlockCondition) || slices.Contains(p.GrantReasons[:i], reason) {
			return fmt.Errorf("%w: grant reason %q repeated", generic.ErrInvalidRule, reason)
		}
	}
	return nil
}

// =============================================================================
// DECODING & VALIDATION
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodePayload unmarshals a rule's payload into T.
func DecodePayload[T any](rule generic.Rule) (T, error) {
	var payload T
	if err := json.Unmarshal(rule.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: rule %s payload: %v", generic.ErrInvalidRule, rule.ID, err)
	}
	return payload, nil
}

type payloadValidator interface {
	validate() error
}

// ValidatePayload checks the payload of a rule of the given kind.
func ValidatePayload(kind generic.RuleKind, raw json.RawMessage) error {
	var payload any
	switch kind {
	case KindMonthlySlab:
		payload = &MonthlySlabPayload{}
	case KindQuarterlyEval:
		payload = &QuarterlyEvalPayload{}
	case KindDailyTarget:
		payload = &DailyTargetPayload{}
	case KindProductIncentive:
		payload = &ProductIncentivePayload{}
	case KindTeleSales:
		payload = &TeleSalesPayload{}
	case KindSpinWheel:
		payload = &SpinWheelPayload{}
	case KindReferral, KindMysteryProduct, KindTeamBattle, KindLevelPolicy:
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			return fmt.Errorf("%w: %s payload must be a JSON object", generic.ErrInvalidRule, kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown rule kind %q", generic.ErrInvalidRule, kind)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return fmt.Errorf("%w: %s payload: %v", generic.ErrInvalidRule, kind, err)
	}
	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s field %s failed %q", generic.ErrInvalidRule, kind, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %s: %v", generic.ErrInvalidRule, kind, err)
	}
	if v, ok := payload.(payloadValidator); ok {
		return v.validate()
	}
	return nil
}

// IsKnownKind reports whether kind is one of AllKinds.
func IsKnownKind(kind generic.RuleKind) bool {
	for _, k := range AllKinds {
		if k == kind {
			return true
		}
	}
	return false
}
