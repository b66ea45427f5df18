package rewards_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/rewards"
)

// =============================================================================
// DAILY CALCULATION
// =============================================================================

func TestComputeDaily_AllComponents(t *testing.T) {
	// GIVEN: Customer-count, product and tele-sales rules
	// WHEN: A mall day with 15 customers, 3 TVs and a good tele-sales day
	// THEN: 100 (tier 0) + 120 (TVs, daily cap) + 330 (tele) = 550

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())
	saveRule(t, e, "pi-1", rewards.KindProductIncentive, "tv", jan1, tvIncentive(decp("120"), nil))
	saveRule(t, e, "ts-1", rewards.KindTeleSales, "", jan1, teleSales())
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockDailyTargetMet, 1, 10,
		rewards.SpinReward{Type: rewards.RewardCash, Value: dec("100"), Probability: 1}))

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.SKUSales = []generic.SKUSale{
		{SKU: "TV-55", Units: 3, Revenue: dec("90000")},
		{SKU: "SOUNDBAR", Units: 1, Revenue: dec("12000")},
	}
	in.Inputs.TeleSales = generic.TeleSales{Dials: 60, Bookings: 2, QAScore: dec("80")}

	rec, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	require.Len(t, rec.Components, 3)
	assertDec(t, "100", rec.ComponentTotal(generic.ComponentCustomerCount, "", ""))
	assertDec(t, "120", rec.ComponentTotal(generic.ComponentProduct, "pi-1", "tv-55"))
	assertDec(t, "330", rec.ComponentTotal(generic.ComponentTeleSales, "", ""))
	assertDec(t, "550", rec.TotalReward)
	require.NotNil(t, rec.DailyTargetTier)
	assert.Equal(t, 0, *rec.DailyTargetTier)
	assert.True(t, rec.SpinEligible)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{Period: generic.PeriodDaily})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assertDec(t, "550", payouts[0].Amount.Value)
	assert.Equal(t, generic.PayoutDue, payouts[0].Status)
	assert.Len(t, payouts[0].Breakdown, 3)
	assert.Equal(t, []generic.RuleID{"dt-1", "pi-1", "ts-1"}, payouts[0].SourceRuleIDs)
}

func TestComputeDaily_Idempotent(t *testing.T) {
	// GIVEN: A computed day
	// WHEN: The same inputs arrive again
	// THEN: Same record (same seq), same single payout

	ctx := context.Background()
	e, mem := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	first, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)
	second, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.Seq, second.Seq)
	assertDec(t, first.TotalReward.String(), second.TotalReward)

	recs, err := mem.ListPerformance(ctx, generic.PerformanceFilter{UserID: "u1", Granularity: generic.GranularityDaily})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, 0, payouts[0].Revision)
}

func TestComputeDaily_BelowMinimumActivity(t *testing.T) {
	// GIVEN: A day with a single paid bill
	// WHEN: Computing it
	// THEN: BelowMinimumActivity, no record, no payout, an audit entry

	ctx := context.Background()
	e, mem := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.PaidBillsCount = 1

	_, err := e.ComputeDaily(ctx, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrBelowMinimumActivity))

	var calcErr *generic.CalculationError
	require.True(t, errors.As(err, &calcErr))
	assert.Equal(t, generic.UserID("u1"), calcErr.UserID)
	assert.Equal(t, "2025-03-14", calcErr.PeriodKey)

	rec, err := mem.GetPerformance(ctx, generic.PerformanceKey{
		UserID: "u1", StoreID: "s1", Granularity: generic.GranularityDaily, PeriodStart: date(2025, time.March, 14),
	})
	require.NoError(t, err)
	assert.Nil(t, rec)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	assert.Empty(t, payouts)

	audit, err := e.Audit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditCalculationSkipped}})
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestComputeDaily_InvalidInput(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})

	in := dailyInput("", "s1", date(2025, time.March, 14))
	_, err := e.ComputeDaily(ctx, in)
	assert.True(t, errors.Is(err, generic.ErrInvalidInput))

	in = dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.TeleSales.QAScore = dec("120")
	_, err = e.ComputeDaily(ctx, in)
	assert.True(t, errors.Is(err, generic.ErrInvalidInput))
}

func TestComputeDaily_MissingOptionalRulesDegradeToZero(t *testing.T) {
	// GIVEN: Only the customer-count rule is configured
	// WHEN: A day with tele-sales and product activity
	// THEN: The customer-count reward is still paid

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.TeleSales = generic.TeleSales{Dials: 80, Bookings: 4}
	in.Inputs.SKUSales = []generic.SKUSale{{SKU: "TV-55", Units: 2, Revenue: dec("60000")}}

	rec, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)
	assertDec(t, "100", rec.TotalReward)
	assert.False(t, rec.SpinEligible)
}

func TestComputeDaily_NoDailyTargetRule(t *testing.T) {
	// GIVEN: No rules at all
	// WHEN: Computing a day
	// THEN: A zero record is stored and no payout is written

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})

	rec, err := e.ComputeDaily(ctx, dailyInput("u1", "s1", date(2025, time.March, 14)))
	require.NoError(t, err)
	assert.True(t, rec.TotalReward.IsZero())
	assert.Empty(t, rec.Components)
	assert.Nil(t, rec.DailyTargetTier)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestComputeDaily_UnknownStoreTypeEarnsNothing(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Location.StoreType = "KIOSK"
	rec, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)
	assert.True(t, rec.TotalReward.IsZero())

	in.Location.StoreType = "high_street"
	rec, err = e.ComputeDaily(ctx, in)
	require.NoError(t, err)
	assertDec(t, "80", rec.TotalReward)
}

func TestComputeDaily_TierBoundaryIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.CustomerCount = 20
	rec, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)
	assertDec(t, "250", rec.TotalReward)
	assert.Equal(t, 1, *rec.DailyTargetTier)
}

func TestComputeDaily_DailyTargetConflictAborts(t *testing.T) {
	// GIVEN: Two overlapping customer-count rules
	// WHEN: Computing a day
	// THEN: RuleConflict, audited, nothing written

	ctx := context.Background()
	e, mem := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())
	saveRule(t, e, "dt-2", rewards.KindDailyTarget, rewards.ScopeCustomerCount, date(2025, time.March, 1), customerTargets())

	_, err := e.ComputeDaily(ctx, dailyInput("u1", "s1", date(2025, time.March, 14)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrRuleConflict))

	var conflict *generic.RuleConflictError
	require.True(t, errors.As(err, &conflict))
	assert.ElementsMatch(t, []generic.RuleID{"dt-1", "dt-2"}, conflict.RuleIDs)

	audit, err := e.Audit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditRuleConflict}})
	require.NoError(t, err)
	assert.NotEmpty(t, audit)

	recs, err := mem.ListPerformance(ctx, generic.PerformanceFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestComputeDaily_ProductMonthlyCap(t *testing.T) {
	// GIVEN: 50 per TV, monthly cap 200
	// WHEN: 3 TVs on the 3rd, 3 TVs on the 4th, then the 3rd recomputed
	// THEN: 150, then 50 (cap left), and the 3rd stays at 150

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "pi-1", rewards.KindProductIncentive, "tv", jan1, tvIncentive(nil, decp("200")))

	tvDay := func(day int) rewards.DailyInput {
		in := dailyInput("u1", "s1", date(2025, time.March, day))
		in.Inputs.SKUSales = []generic.SKUSale{{SKU: "TV-55", Units: 3, Revenue: dec("90000")}}
		return in
	}

	rec, err := e.ComputeDaily(ctx, tvDay(3))
	require.NoError(t, err)
	assertDec(t, "150", rec.TotalReward)

	rec, err = e.ComputeDaily(ctx, tvDay(4))
	require.NoError(t, err)
	assertDec(t, "50", rec.TotalReward)

	rec, err = e.ComputeDaily(ctx, tvDay(3))
	require.NoError(t, err)
	assertDec(t, "150", rec.TotalReward)
}

func TestComputeDaily_ProductDailyCapAcrossStores(t *testing.T) {
	// GIVEN: 50 per TV, daily cap 120
	// WHEN: 2 TVs at s1 and 2 TVs at s2 on the same day, then s1 recomputed
	// THEN: 100 at s1, 20 left for s2, and s1 keeps its 100

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "pi-1", rewards.KindProductIncentive, "tv", jan1, tvIncentive(decp("120"), nil))

	tvDay := func(storeID string) rewards.DailyInput {
		in := dailyInput("u1", storeID, date(2025, time.March, 14))
		in.Inputs.SKUSales = []generic.SKUSale{{SKU: "TV-55", Units: 2, Revenue: dec("60000")}}
		return in
	}

	rec, err := e.ComputeDaily(ctx, tvDay("s1"))
	require.NoError(t, err)
	assertDec(t, "100", rec.TotalReward)

	rec, err = e.ComputeDaily(ctx, tvDay("s2"))
	require.NoError(t, err)
	assertDec(t, "20", rec.TotalReward)

	rec, err = e.ComputeDaily(ctx, tvDay("s1"))
	require.NoError(t, err)
	assertDec(t, "100", rec.TotalReward)
}

func TestComputeDaily_ProductPctByBrand(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "pi-2", rewards.KindProductIncentive, "brand", jan1, rewards.ProductIncentivePayload{
		Lines: []rewards.ProductLine{{ID: "acme", Brand: "acme", Mode: rewards.ModePct, Pct: dec("1.5")}},
	})

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.SKUSales = []generic.SKUSale{
		{SKU: "A1", Brand: "ACME Corp", Units: 1, Revenue: dec("10000")},
		{SKU: "A2", Brand: "Acme", Units: 2, Revenue: dec("5000")},
		{SKU: "B1", Brand: "Other", Units: 1, Revenue: dec("99999")},
	}
	rec, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)
	assertDec(t, "225", rec.TotalReward)
}

func TestComputeDaily_RuleChangeVoidsStalePayout(t *testing.T) {
	// GIVEN: A day paid under the customer-count rule alone
	// WHEN: A tele-sales rule is added and the day recomputed
	// THEN: The new payout is DUE and the old one VOID

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.TeleSales = generic.TeleSales{Dials: 60}
	_, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	saveRule(t, e, "ts-1", rewards.KindTeleSales, "", jan1, teleSales())
	_, err = e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	due, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{Status: generic.PayoutDue})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assertDec(t, "300", due[0].Amount.Value)

	void, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{Status: generic.PayoutVoid})
	require.NoError(t, err)
	require.Len(t, void, 1)
	assertDec(t, "100", void[0].Amount.Value)
}

func TestComputeDaily_RuleChangeAfterPaidIsSettled(t *testing.T) {
	// GIVEN: A day paid out under the customer-count rule alone
	// WHEN: A tele-sales rule is added and the day recomputed
	// THEN: PayoutSettled, and nothing new is payable next to the paid 100

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	in.Inputs.TeleSales = generic.TeleSales{Dials: 60}
	_, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	_, err = e.MarkPayoutPaid(ctx, payouts[0].ID, "ops")
	require.NoError(t, err)

	saveRule(t, e, "ts-1", rewards.KindTeleSales, "", jan1, teleSales())
	_, err = e.ComputeDaily(ctx, in)
	assert.ErrorIs(t, err, generic.ErrPayoutSettled)

	due, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{Status: generic.PayoutDue})
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestComputeDaily_BelowMinimumResendVoidsDuePayout(t *testing.T) {
	// GIVEN: A computed day with a DUE payout
	// WHEN: A corrected send drops paid bills below the minimum
	// THEN: BelowMinimumActivity and the earlier payout is VOID

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	_, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	in.Inputs.PaidBillsCount = 1
	_, err = e.ComputeDaily(ctx, in)
	assert.ErrorIs(t, err, generic.ErrBelowMinimumActivity)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, generic.PayoutVoid, payouts[0].Status)
	assert.Equal(t, "below minimum activity on resend", payouts[0].StatusReason)
}

func TestComputeDaily_InputChangeSupersedesPayout(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())

	in := dailyInput("u1", "s1", date(2025, time.March, 14))
	_, err := e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	in.Inputs.CustomerCount = 25
	_, err = e.ComputeDaily(ctx, in)
	require.NoError(t, err)

	due, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{Status: generic.PayoutDue})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Revision)
	assertDec(t, "250", due[0].Amount.Value)
}

func TestComputeDaily_RefreshesMonthlyAggregate(t *testing.T) {
	ctx := context.Background()
	e, mem := newEngine(t, rewards.Options{})

	for _, day := range []int{3, 4, 5} {
		_, err := e.ComputeDaily(ctx, dailyInput("u1", "s1", date(2025, time.March, day)))
		require.NoError(t, err)
	}

	monthly, err := mem.GetPerformance(ctx, generic.PerformanceKey{
		UserID: "u1", StoreID: "s1", Granularity: generic.GranularityMonthly, PeriodStart: date(2025, time.March, 1),
	})
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assertDec(t, "126000", monthly.Inputs.RevenuePreTax)
	assert.Equal(t, int64(45), monthly.Inputs.CustomerCount)
	assert.Equal(t, int64(36), monthly.Inputs.PaidBillsCount)
}
