package rewards_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/generic/store"
	"github.com/warp/incentive-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// march14 is "now" for every engine built by newEngine.
var march14 = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

func date(year int, month time.Month, day int) generic.TimePoint {
	return generic.NewTimePoint(year, month, day)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// seqRandom returns its values in order, then repeats the last one.
type seqRandom struct {
	mu     sync.Mutex
	values []float64
	i      int
}

func (r *seqRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.values[min(r.i, len(r.values)-1)]
	r.i++
	return v
}

func newEngine(t *testing.T, opts rewards.Options) (*rewards.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return newEngineOn(t, mem, opts), mem
}

func newEngineOn(t *testing.T, s generic.Store, opts rewards.Options) *rewards.Engine {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = generic.FixedClock{At: march14}
	}
	return rewards.NewEngine(s, opts)
}

func saveRule(t *testing.T, e *rewards.Engine, id string, kind generic.RuleKind, scope string, from generic.TimePoint, payload any) generic.Rule {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	rule, err := e.SaveRule(context.Background(), generic.Rule{
		ID:            generic.RuleID(id),
		Name:          id,
		Kind:          kind,
		Scope:         scope,
		EffectiveFrom: from,
		IsActive:      true,
		Payload:       raw,
	}, "test")
	require.NoError(t, err)
	return rule
}

// =============================================================================
// RULE FIXTURES
// =============================================================================

var jan1 = date(2025, time.January, 1)

func customerTargets() rewards.DailyTargetPayload {
	return rewards.DailyTargetPayload{StoreTypes: []rewards.StoreTypeTarget{
		{StoreType: "MALL", Tiers: []generic.Tier{
			{Min: dec("10"), Max: decp("20"), Reward: dec("100")},
			{Min: dec("20"), Reward: dec("250")},
		}},
		{StoreType: "HIGH_STREET", Tiers: []generic.Tier{
			{Min: dec("5"), Reward: dec("80")},
		}},
	}}
}

func teleSales() rewards.TeleSalesPayload {
	return rewards.TeleSalesPayload{
		DialTarget:       50,
		DialReward:       dec("200"),
		PerBookingReward: dec("25"),
		QAWeight:         dec("0.5"),
	}
}

func tvIncentive(dailyCap, monthlyCap *decimal.Decimal) rewards.ProductIncentivePayload {
	return rewards.ProductIncentivePayload{Lines: []rewards.ProductLine{{
		ID:         "tv-55",
		SKU:        "TV-55",
		Mode:       rewards.ModeFlat,
		Amount:     dec("50"),
		DailyCap:   dailyCap,
		MonthlyCap: monthlyCap,
	}}}
}

func spinWheel(cond rewards.UnlockCondition, dailyCap, monthlyCap int, rws ...rewards.SpinReward) rewards.SpinWheelPayload {
	return rewards.SpinWheelPayload{
		UnlockCondition: cond,
		DailySpinCap:    dailyCap,
		MonthlySpinCap:  monthlyCap,
		Rewards:         rws,
	}
}

func standardSlabs(up *rewards.UnderPerformance) rewards.MonthlySlabPayload {
	return rewards.MonthlySlabPayload{
		Slabs: []rewards.Slab{
			{MinSales: dec("0"), MaxSales: decp("100000"), Incentive: dec("2000"), Label: "base"},
			{MinSales: dec("100000"), Incentive: dec("5000"), SalaryAdjustment: dec("1500"), Label: "star"},
		},
		UnderPerformance: up,
	}
}

// dailyInput is a mall day with enough paid bills.
func dailyInput(user, storeID string, day generic.TimePoint) rewards.DailyInput {
	return rewards.DailyInput{
		UserID:   generic.UserID(user),
		StoreID:  generic.StoreID(storeID),
		Date:     day,
		Location: generic.Location{StoreType: "MALL", City: "Pune", State: "MH", Country: "IN"},
		Inputs: generic.RawInputs{
			CustomerCount:  15,
			PaidBillsCount: 12,
			RevenuePreTax:  dec("42000"),
		},
	}
}
