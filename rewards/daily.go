/*
daily.go - Daily performance calculation

PURPOSE:
  Turns one day of POS/CRM observations for (user, store) into a
  PerformanceRecord with itemized rewards, and a DAILY payout.

COMPONENTS:
  1. Customer count (daily-target, scope CUSTOMER_COUNT):
     tier table chosen by store type, matched half-open [min, max).
     An unlisted store type earns nothing.
  2. Product lines (every active product-incentive rule):
     FLAT = amount x units, PCT = revenue x pct / 100, clamped by what
     is left of the line's daily and monthly caps.
  3. Tele-sales: dial bonus if dials >= target (no partial credit),
     + bookings x per-booking reward,
     + (qa / 100) x weight x dial reward when weight > 0 and qa > 0.

  Total = sum of components. Zero components are left out of the record
  and the payout breakdown.

SPIN ELIGIBILITY:
  Read from the active spin-wheel rule's unlock condition, evaluated on
  what this calculation already computed: DAILY_TARGET_MET means a
  customer-count tier matched, PRODUCT_TARGET_MET means a product reward
  was earned, TELE_TARGET_MET means the dial target was met.

FAILURE POLICY:
  - paid bills below the minimum: BelowMinimumActivity, nothing written;
    a DUE payout from an earlier send of the same day is voided
  - daily-target missing: component is zero (WARN)
  - daily-target conflict or unreadable: the unit aborts
  - product/tele/spin rules missing, conflicting or unreadable: that
    component is zero (WARN), the rest still pays
  - store failures abort the unit

IDEMPOTENCE:
  Re-running a day upserts the same record and records the same payout.
  If the contributing rule set changed, the new payout is recorded and
  any DUE daily payout left for the same (user, store, day) is voided.
  A PAID one under another rule set fails the unit with PayoutSettled.

CAPS ACROSS STORES:
  Product caps are per user. The daily cap counts the day's earnings at
  the user's other stores; the monthly cap counts earlier days of the
  month at any store plus those. The unit's own record is never counted,
  so recomputing a day never eats its own allowance.
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

const DefaultMinPaidBills = 2

var hundred = decimal.NewFromInt(100)

// DailyInput is one day of observations for a user at a store.
type DailyInput struct {
	UserID   generic.UserID    `json:"user_id" validate:"required"`
	StoreID  generic.StoreID   `json:"store_id" validate:"required"`
	Date     generic.TimePoint `json:"date"`
	Location generic.Location  `json:"location"`
	Inputs   generic.RawInputs `json:"inputs"`
}

type DailyCalculator struct {
	*env
	minPaidBills int64
}

// ComputeDaily computes, stores and pays out one day.
func (c *DailyCalculator) ComputeDaily(ctx context.Context, in DailyInput) (*generic.PerformanceRecord, error) {
	const op = "compute_daily"
	day := generic.DayOf(in.Date.Time)
	periodKey := day.String()

	if err := validateDailyInput(in); err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
	}
	if in.Inputs.PaidBillsCount < c.minPaidBills {
		cause := &generic.BelowMinimumActivityError{PaidBills: in.Inputs.PaidBillsCount, Minimum: c.minPaidBills}
		if err := c.withdrawDay(ctx, in, periodKey); err != nil {
			return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
		}
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", cause)
	}

	var components []generic.RewardComponent

	customer, tier, err := c.customerCount(ctx, in, day)
	if err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, customer.RuleID, err)
	}
	components = appendNonZero(components, customer)

	products, err := c.products(ctx, in, day)
	if err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
	}
	productTotal := decimal.Zero
	for _, p := range products {
		productTotal = productTotal.Add(p.Amount)
		components = appendNonZero(components, p)
	}

	tele, dialTargetMet := c.teleSales(ctx, in, day)
	components = appendNonZero(components, tele)

	total := decimal.Zero
	for _, comp := range components {
		total = total.Add(comp.Amount)
	}

	now := c.clock.Now()
	rec := generic.PerformanceRecord{
		UserID:          in.UserID,
		StoreID:         in.StoreID,
		Granularity:     generic.GranularityDaily,
		PeriodStart:     day,
		Location:        in.Location,
		Inputs:          in.Inputs,
		Components:      components,
		TotalReward:     total,
		SpinEligible:    c.spinEligible(ctx, in.UserID, day, tier != nil, productTotal.IsPositive(), dialTargetMet),
		DailyTargetTier: tier,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	before, err := c.store.GetPerformance(ctx, rec.Key())
	if err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
	}
	stored, err := c.store.UpsertPerformance(ctx, rec)
	if err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", fmt.Errorf("upsert daily record: %w", err))
	}
	c.audit(ctx, generic.AuditPerformanceUpsert, "performance", performanceEntityID(stored.Key()), before, stored, nil)

	if err := c.refreshMonthly(ctx, in, day); err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
	}
	if err := c.recordDailyPayout(ctx, in, day, components, total); err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
	}

	c.log.Debug("daily computed", "user_id", in.UserID, "store_id", in.StoreID, "day", periodKey,
		"total", total.String(), "spin_eligible", stored.SpinEligible)
	return &stored, nil
}

// =============================================================================
// COMPONENTS
// =============================================================================

func (c *DailyCalculator) customerCount(ctx context.Context, in DailyInput, day generic.TimePoint) (generic.RewardComponent, *int, error) {
	rule, err := c.rules.Active(ctx, KindDailyTarget, ScopeCustomerCount, day)
	if errors.Is(err, generic.ErrNoActiveRule) {
		c.log.Warn("no daily-target rule, customer-count component is zero", "user_id", in.UserID, "day", day.String())
		return generic.RewardComponent{}, nil, nil
	}
	if err != nil {
		return generic.RewardComponent{}, nil, err
	}
	comp := generic.RewardComponent{RuleID: rule.ID, Type: generic.ComponentCustomerCount, Amount: decimal.Zero}

	payload, err := DecodePayload[DailyTargetPayload](rule)
	if err != nil {
		return comp, nil, err
	}
	target, ok := payload.forStoreType(in.Location.StoreType)
	if !ok {
		c.log.Debug("store type has no daily target", "rule_id", rule.ID, "store_type", in.Location.StoreType)
		return comp, nil, nil
	}
	idx, ok := generic.MatchTier(target.Tiers, decimal.NewFromInt(in.Inputs.CustomerCount), generic.UpperExclusive)
	if !ok {
		return comp, nil, nil
	}
	t := target.Tiers[idx]
	comp.Amount = t.Reward
	comp.Note = tierNote(t, idx)
	return comp, &idx, nil
}

func (p DailyTargetPayload) forStoreType(storeType string) (StoreTypeTarget, bool) {
	for _, st := range p.StoreTypes {
		if strings.EqualFold(st.StoreType, storeType) {
			return st, true
		}
	}
	return StoreTypeTarget{}, false
}

func (c *DailyCalculator) products(ctx context.Context, in DailyInput, day generic.TimePoint) ([]generic.RewardComponent, error) {
	rules, err := c.rules.ActiveByKind(ctx, KindProductIncentive, day)
	if err != nil {
		c.log.Warn("product-incentive rules unavailable, product component is zero",
			"user_id", in.UserID, "day", day.String(), "error", err)
		return nil, nil
	}

	var (
		out    []generic.RewardComponent
		earned *earnedSoFar
	)
	for _, rule := range rules {
		payload, err := DecodePayload[ProductIncentivePayload](rule)
		if err != nil {
			c.log.Warn("unreadable product-incentive rule skipped", "rule_id", rule.ID, "error", err)
			continue
		}
		for _, line := range payload.Lines {
			matcher := line.Matcher()
			units, revenue := SumMatching(matcher, in.Inputs.SKUSales)
			reward := line.reward(units, revenue)
			if !reward.IsPositive() {
				continue
			}
			if (line.DailyCap != nil || line.MonthlyCap != nil) && earned == nil {
				if earned, err = c.productEarned(ctx, in, day); err != nil {
					return nil, err
				}
			}
			k := lineKey(rule.ID, line.ID)
			if line.DailyCap != nil {
				left := decimal.Max(decimal.Zero, line.DailyCap.Sub(earned.today[k]))
				reward = decimal.Min(reward, left)
			}
			if line.MonthlyCap != nil {
				left := decimal.Max(decimal.Zero, line.MonthlyCap.Sub(earned.month[k]))
				reward = decimal.Min(reward, left)
			}
			out = append(out, generic.RewardComponent{
				RuleID: rule.ID,
				LineID: line.ID,
				Type:   generic.ComponentProduct,
				Amount: reward,
				Note:   matcher.String(),
			})
		}
	}
	return out, nil
}

func (l ProductLine) reward(units int64, revenue decimal.Decimal) decimal.Decimal {
	switch l.Mode {
	case ModeFlat:
		return l.Amount.Mul(decimal.NewFromInt(units))
	case ModePct:
		return revenue.Mul(l.Pct).Div(hundred).Round(2)
	}
	return decimal.Zero
}

// earnedSoFar holds product rewards per (rule, line) already earned by a
// user, excluding the store and day being computed.
type earnedSoFar struct {
	today map[string]decimal.Decimal
	month map[string]decimal.Decimal
}

// productEarned sums the user's product rewards on earlier days of day's
// month at any store, and on day itself at other stores.
func (c *DailyCalculator) productEarned(ctx context.Context, in DailyInput, day generic.TimePoint) (*earnedSoFar, error) {
	recs, err := c.store.ListPerformance(ctx, generic.PerformanceFilter{
		UserID:      in.UserID,
		Granularity: generic.GranularityDaily,
		From:        day.YearMonth().Start(),
		To:          day,
	})
	if err != nil {
		return nil, fmt.Errorf("load month-to-date records: %w", err)
	}
	earned := &earnedSoFar{today: make(map[string]decimal.Decimal), month: make(map[string]decimal.Decimal)}
	for _, rec := range recs {
		sameDay := rec.PeriodStart.Equal(day)
		if sameDay && rec.StoreID == in.StoreID {
			continue
		}
		for _, comp := range rec.Components {
			if comp.Type != generic.ComponentProduct {
				continue
			}
			k := lineKey(comp.RuleID, comp.LineID)
			earned.month[k] = earned.month[k].Add(comp.Amount)
			if sameDay {
				earned.today[k] = earned.today[k].Add(comp.Amount)
			}
		}
	}
	return earned, nil
}

func lineKey(ruleID generic.RuleID, lineID string) string {
	return string(ruleID) + "#" + lineID
}

func (c *DailyCalculator) teleSales(ctx context.Context, in DailyInput, day generic.TimePoint) (generic.RewardComponent, bool) {
	rule, ok := c.resolveOptional(ctx, KindTeleSales, "", day, in.UserID)
	if !ok {
		return generic.RewardComponent{}, false
	}
	payload, err := DecodePayload[TeleSalesPayload](rule)
	if err != nil {
		c.log.Warn("unreadable tele-sales rule, component is zero", "rule_id", rule.ID, "error", err)
		return generic.RewardComponent{}, false
	}
	return payload.reward(in.Inputs.TeleSales, rule.ID)
}

func (p TeleSalesPayload) reward(ts generic.TeleSales, ruleID generic.RuleID) (generic.RewardComponent, bool) {
	dialTargetMet := ts.Dials >= p.DialTarget
	reward := decimal.Zero
	if dialTargetMet {
		reward = reward.Add(p.DialReward)
	}
	reward = reward.Add(p.PerBookingReward.Mul(decimal.NewFromInt(ts.Bookings)))
	if p.QAWeight.IsPositive() && ts.QAScore.IsPositive() {
		reward = reward.Add(ts.QAScore.Div(hundred).Mul(p.QAWeight).Mul(p.DialReward))
	}
	return generic.RewardComponent{
		RuleID: ruleID,
		Type:   generic.ComponentTeleSales,
		Amount: reward.Round(2),
		Note:   fmt.Sprintf("dials %d/%d, bookings %d", ts.Dials, p.DialTarget, ts.Bookings),
	}, dialTargetMet
}

func (c *DailyCalculator) spinEligible(ctx context.Context, userID generic.UserID, day generic.TimePoint, dailyTargetMet, productTargetMet, teleTargetMet bool) bool {
	rule, ok := c.resolveOptional(ctx, KindSpinWheel, "", day, userID)
	if !ok {
		return false
	}
	payload, err := DecodePayload[SpinWheelPayload](rule)
	if err != nil {
		c.log.Warn("unreadable spin-wheel rule, spin not unlocked", "rule_id", rule.ID, "error", err)
		return false
	}
	switch payload.UnlockCondition {
	case UnlockDailyTargetMet:
		return dailyTargetMet
	case UnlockProductTargetMet:
		return productTargetMet
	case UnlockTeleTargetMet:
		return teleTargetMet
	case UnlockAlways:
		return true
	}
	return false
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

// refreshMonthly rebuilds the (user, store, month) aggregate from the
// month's daily records. Computed monthly outputs are kept.
func (c *DailyCalculator) refreshMonthly(ctx context.Context, in DailyInput, day generic.TimePoint) error {
	ym := day.YearMonth()
	dailies, err := c.store.ListPerformance(ctx, generic.PerformanceFilter{
		UserID:      in.UserID,
		StoreID:     in.StoreID,
		Granularity: generic.GranularityDaily,
		From:        ym.Start(),
		To:          ym.End(),
	})
	if err != nil {
		return fmt.Errorf("load daily records for %s: %w", ym, err)
	}
	var inputs generic.RawInputs
	for _, d := range dailies {
		inputs = inputs.Add(d.Inputs)
	}

	now := c.clock.Now()
	rec := generic.PerformanceRecord{
		UserID:      in.UserID,
		StoreID:     in.StoreID,
		Granularity: generic.GranularityMonthly,
		PeriodStart: ym.Start(),
		Location:    in.Location,
		Inputs:      inputs,
		TotalReward: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	existing, err := c.store.GetPerformance(ctx, rec.Key())
	if err != nil {
		return err
	}
	if existing != nil {
		rec.Components = existing.Components
		rec.TotalReward = existing.TotalReward
	}
	if _, err := c.store.UpsertPerformance(ctx, rec); err != nil {
		return fmt.Errorf("upsert monthly aggregate %s: %w", ym, err)
	}
	return nil
}

func (c *DailyCalculator) recordDailyPayout(ctx context.Context, in DailyInput, day generic.TimePoint, components []generic.RewardComponent, total decimal.Decimal) error {
	breakdown, sources := breakdownOf(components)
	payout := generic.PayoutInput{
		UserID:        in.UserID,
		StoreID:       in.StoreID,
		Period:        generic.PeriodDaily,
		PeriodKey:     day.String(),
		Amount:        generic.Currency(total),
		Breakdown:     breakdown,
		SourceRuleIDs: sources,
	}
	if !total.IsPositive() {
		payout.SourceRuleIDs = nil
	}

	// a changed rule set lands on a new idempotency key
	stale, err := c.stalePayouts(ctx, payout)
	if err != nil {
		return err
	}
	if total.IsPositive() {
		if _, err := c.recordPayout(ctx, payout); err != nil {
			return err
		}
	}
	return c.voidStale(ctx, stale, "replaced by recalculation")
}

// withdrawDay voids the DUE daily payout of a unit whose corrected inputs
// no longer qualify. PAID payouts stay; the operator sees the skip in the
// audit log.
func (c *DailyCalculator) withdrawDay(ctx context.Context, in DailyInput, periodKey string) error {
	due, err := c.ledger.Payouts(ctx, in.UserID, generic.PayoutFilter{
		Period:          generic.PeriodDaily,
		Status:          generic.PayoutDue,
		PeriodKeyPrefix: periodKey,
	})
	if err != nil {
		return fmt.Errorf("load payouts for %s: %w", periodKey, err)
	}
	var stale []generic.Payout
	for _, p := range due {
		if p.StoreID == in.StoreID && p.PeriodKey == periodKey {
			stale = append(stale, p)
		}
	}
	return c.voidStale(ctx, stale, "below minimum activity on resend")
}

// =============================================================================
// HELPERS
// =============================================================================

func validateDailyInput(in DailyInput) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrInvalidInput, err)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: date is required", generic.ErrInvalidInput)
	}
	if in.Inputs.RevenuePreTax.IsNegative() {
		return fmt.Errorf("%w: negative revenue", generic.ErrInvalidInput)
	}
	for _, s := range in.Inputs.SKUSales {
		if s.Revenue.IsNegative() {
			return fmt.Errorf("%w: negative revenue for sku %q", generic.ErrInvalidInput, s.SKU)
		}
	}
	qa := in.Inputs.TeleSales.QAScore
	if qa.IsNegative() || qa.GreaterThan(hundred) {
		return fmt.Errorf("%w: qa score %s outside 0-100", generic.ErrInvalidInput, qa)
	}
	return nil
}

func appendNonZero(list []generic.RewardComponent, c generic.RewardComponent) []generic.RewardComponent {
	if c.Amount.IsZero() {
		return list
	}
	return append(list, c)
}

// breakdownOf turns components into payout lines and the distinct rule
// ids behind them.
func breakdownOf(components []generic.RewardComponent) ([]generic.BreakdownLine, []generic.RuleID) {
	lines := make([]generic.BreakdownLine, 0, len(components))
	var sources []generic.RuleID
	seen := make(map[generic.RuleID]bool)
	for _, comp := range components {
		note := comp.Note
		if comp.LineID != "" {
			note = comp.LineID + ": " + note
		}
		lines = append(lines, generic.BreakdownLine{RuleID: comp.RuleID, Component: comp.Type, Amount: comp.Amount, Note: note})
		if comp.RuleID != "" && !seen[comp.RuleID] {
			seen[comp.RuleID] = true
			sources = append(sources, comp.RuleID)
		}
	}
	return lines, sources
}

func tierNote(t generic.Tier, idx int) string {
	if t.Label != "" {
		return t.Label
	}
	return fmt.Sprintf("tier %d", idx)
}

func performanceEntityID(k generic.PerformanceKey) string {
	return strings.Join([]string{string(k.UserID), string(k.StoreID), string(k.Granularity), k.PeriodStart.String()}, "/")
}
