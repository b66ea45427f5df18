/*
monthly.go - Monthly slab incentive

PURPOSE:
  At month end, the user's cumulative pre-tax revenue for a store is
  matched against the active monthly-slab rule. The matched slab pays an
  incentive (and names a salary adjustment); an under-performance
  deduction may reduce it.

CALCULATION:
  slab        = first slab with min <= revenue <= max (max unset: open)
  deduction   = 0, unless the rule has an under-performance block and
                revenue < threshold:
                  FLAT: amount
                  PCT:  revenue x pct / 100
                never more than the slab incentive
  net         = max(0, incentive - deduction)

  No slab matched: net 0, SlabIndex -1.

HISTORY:
  Each run appends {rule, slab, net} to the record's applied slabs unless
  it repeats the last entry, and records exactly one MONTHLY payout. With
  unchanged inputs a re-run returns the same payout. A run under a new
  rule version voids the DUE payout of the old one, and fails with
  PayoutSettled if that one was already PAID.

THE AGGREGATE:
  The monthly record is built from daily records by the daily calculator,
  or supplied whole by RecordMonthly for stores that only report month-end
  totals.
*/
package rewards

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

// MonthlyInput is an externally supplied monthly aggregate.
type MonthlyInput struct {
	UserID   generic.UserID
	StoreID  generic.StoreID
	Month    generic.YearMonth
	Location generic.Location
	Inputs   generic.RawInputs
}

type SlabOutcome struct {
	RuleID           generic.RuleID  `json:"rule_id"`
	SlabIndex        int             `json:"slab_index"`
	Slab             *Slab           `json:"slab,omitempty"`
	Revenue          decimal.Decimal `json:"revenue"`
	Incentive        decimal.Decimal `json:"incentive"`
	SalaryAdjustment decimal.Decimal `json:"salary_adjustment"`
	Deduction        decimal.Decimal `json:"deduction"`
	NetIncentive     decimal.Decimal `json:"net_incentive"`
	Payout           *generic.Payout `json:"payout,omitempty"`
}

type MonthlyCalculator struct {
	*env
}

// RecordMonthly upserts a monthly aggregate. Slab results already
// computed on the record are kept.
func (c *MonthlyCalculator) RecordMonthly(ctx context.Context, in MonthlyInput) (*generic.PerformanceRecord, error) {
	const op = "record_monthly"
	periodKey := in.Month.String()
	if in.UserID == "" || in.StoreID == "" || in.Month.Year == 0 {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "",
			fmt.Errorf("%w: user, store and month are required", generic.ErrInvalidInput))
	}
	if err := validate.Struct(in.Inputs); err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", fmt.Errorf("%w: %v", generic.ErrInvalidInput, err))
	}
	if in.Inputs.RevenuePreTax.IsNegative() {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", fmt.Errorf("%w: negative revenue", generic.ErrInvalidInput))
	}

	now := c.clock.Now()
	rec := generic.PerformanceRecord{
		UserID:      in.UserID,
		StoreID:     in.StoreID,
		Granularity: generic.GranularityMonthly,
		PeriodStart: in.Month.Start(),
		Location:    in.Location,
		Inputs:      in.Inputs,
		TotalReward: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	before, err := c.store.GetPerformance(ctx, rec.Key())
	if err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", err)
	}
	if before != nil {
		rec.Components = before.Components
		rec.TotalReward = before.TotalReward
	}
	stored, err := c.store.UpsertPerformance(ctx, rec)
	if err != nil {
		return nil, c.fail(ctx, op, in.UserID, periodKey, "", fmt.Errorf("upsert monthly record: %w", err))
	}
	c.audit(ctx, generic.AuditPerformanceUpsert, "performance", performanceEntityID(stored.Key()), before, stored, nil)
	return &stored, nil
}

// ComputeMonthlySlab evaluates the monthly-slab rule for one user, store
// and month.
func (c *MonthlyCalculator) ComputeMonthlySlab(ctx context.Context, userID generic.UserID, storeID generic.StoreID, ym generic.YearMonth) (*SlabOutcome, error) {
	const op = "compute_monthly_slab"
	periodKey := ym.String()

	key := generic.PerformanceKey{UserID: userID, StoreID: storeID, Granularity: generic.GranularityMonthly, PeriodStart: ym.Start()}
	rec, err := c.store.GetPerformance(ctx, key)
	if err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, "", err)
	}
	if rec == nil {
		return nil, c.fail(ctx, op, userID, periodKey, "",
			fmt.Errorf("%w: %s at %s for %s", generic.ErrMonthlyPerformanceNotFound, userID, storeID, ym))
	}

	rule, err := c.rules.Active(ctx, KindMonthlySlab, "", ym.End())
	if err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, "", err)
	}
	payload, err := DecodePayload[MonthlySlabPayload](rule)
	if err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	out := payload.evaluate(rec.Inputs.RevenuePreTax)
	out.RuleID = rule.ID

	payout := generic.PayoutInput{
		UserID:        userID,
		StoreID:       storeID,
		Period:        generic.PeriodMonthly,
		PeriodKey:     periodKey,
		Amount:        generic.Currency(out.NetIncentive),
		Breakdown:     out.breakdown(),
		SourceRuleIDs: []generic.RuleID{rule.ID},
	}
	// a new rule version lands on a new idempotency key
	stale, err := c.stalePayouts(ctx, payout)
	if err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	if err := c.apply(ctx, rec, out); err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	p, err := c.recordPayout(ctx, payout)
	if err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, rule.ID, err)
	}
	out.Payout = p
	if err := c.voidStale(ctx, stale, "replaced by "+string(rule.ID)); err != nil {
		return nil, c.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	c.log.Info("monthly slab computed", "user_id", userID, "store_id", storeID, "month", periodKey,
		"rule_id", rule.ID, "slab_index", out.SlabIndex, "net", out.NetIncentive.String())
	return &out, nil
}

// evaluate matches revenue to a slab and applies the deduction.
func (p MonthlySlabPayload) evaluate(revenue decimal.Decimal) SlabOutcome {
	out := SlabOutcome{
		SlabIndex:        -1,
		Revenue:          revenue,
		Incentive:        decimal.Zero,
		SalaryAdjustment: decimal.Zero,
		Deduction:        decimal.Zero,
		NetIncentive:     decimal.Zero,
	}
	idx, ok := generic.MatchTier(p.Tiers(), revenue, generic.UpperInclusive)
	if !ok {
		return out
	}
	slab := p.Slabs[idx]
	out.SlabIndex = idx
	out.Slab = &slab
	out.Incentive = slab.Incentive
	out.SalaryAdjustment = slab.SalaryAdjustment
	out.Deduction = p.UnderPerformance.deduction(revenue, slab.Incentive)
	out.NetIncentive = decimal.Max(decimal.Zero, slab.Incentive.Sub(out.Deduction))
	return out
}

func (up *UnderPerformance) deduction(revenue, incentive decimal.Decimal) decimal.Decimal {
	if up == nil || !revenue.LessThan(up.Threshold) {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch up.Mode {
	case ModeFlat:
		d = up.Amount
	case ModePct:
		d = revenue.Mul(up.Pct).Div(hundred).Round(2)
	}
	return decimal.Max(decimal.Zero, decimal.Min(d, incentive))
}

func (o SlabOutcome) breakdown() []generic.BreakdownLine {
	var lines []generic.BreakdownLine
	if o.Incentive.IsPositive() {
		note := fmt.Sprintf("slab %d", o.SlabIndex)
		if o.Slab != nil && o.Slab.Label != "" {
			note = o.Slab.Label
		}
		lines = append(lines, generic.BreakdownLine{RuleID: o.RuleID, Component: generic.ComponentSlab, Amount: o.Incentive, Note: note})
	}
	if o.Deduction.IsPositive() {
		lines = append(lines, generic.BreakdownLine{RuleID: o.RuleID, Component: generic.ComponentDeduction, Amount: o.Deduction.Neg()})
	}
	return lines
}

// apply writes the slab result onto the monthly record and extends its
// applied-slab history.
func (c *MonthlyCalculator) apply(ctx context.Context, rec *generic.PerformanceRecord, out SlabOutcome) error {
	before := *rec
	updated := *rec
	updated.Components = nil
	for _, comp := range rec.Components {
		if comp.Type != generic.ComponentSlab && comp.Type != generic.ComponentDeduction {
			updated.Components = append(updated.Components, comp)
		}
	}
	updated.Components = appendNonZero(updated.Components,
		generic.RewardComponent{RuleID: out.RuleID, Type: generic.ComponentSlab, Amount: out.Incentive})
	updated.Components = appendNonZero(updated.Components,
		generic.RewardComponent{RuleID: out.RuleID, Type: generic.ComponentDeduction, Amount: out.Deduction.Neg()})
	updated.TotalReward = out.NetIncentive
	updated.UpdatedAt = c.clock.Now()

	if _, err := c.store.UpsertPerformance(ctx, updated); err != nil {
		return fmt.Errorf("update monthly record: %w", err)
	}
	appended, err := c.store.AppendAppliedSlab(ctx, rec.Key(), generic.AppliedSlab{
		RuleID:       out.RuleID,
		SlabIndex:    out.SlabIndex,
		NetIncentive: out.NetIncentive,
		AppliedAt:    c.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("append applied slab: %w", err)
	}
	if appended {
		c.audit(ctx, generic.AuditSlabApplied, "performance", performanceEntityID(rec.Key()), before, out, nil)
	}
	return nil
}
