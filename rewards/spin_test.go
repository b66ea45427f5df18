package rewards_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/generic/store"
	"github.com/warp/incentive-engine/rewards"
	"github.com/warp/incentive-engine/store/sqlite"
)

func cash(value string, p float64) rewards.SpinReward {
	return rewards.SpinReward{Type: rewards.RewardCash, Value: dec(value), Label: "cash " + value, Probability: p}
}

// =============================================================================
// SELECTION
// =============================================================================

func TestSelectReward_Distribution(t *testing.T) {
	// GIVEN: Probabilities [0.5, 0.3, 0.2]
	// WHEN: 100,000 uniform draws
	// THEN: Observed frequencies are within 1 point of the declared ones

	rws := []rewards.SpinReward{cash("10", 0.5), cash("50", 0.3), cash("100", 0.2)}
	rng := rand.New(rand.NewPCG(42, 7))

	const n = 100_000
	counts := make([]int, len(rws))
	for range n {
		idx, fallback := rewards.SelectReward(rws, rng.Float64())
		require.False(t, fallback)
		counts[idx]++
	}
	for i, rw := range rws {
		got := float64(counts[i]) / n
		assert.InDelta(t, rw.Probability, got, 0.01, "reward %d", i)
	}
}

func TestSelectReward_Fallback(t *testing.T) {
	// GIVEN: Probabilities summing to 0.9
	// WHEN: r lands past 0.9
	// THEN: The first reward, flagged as fallback

	rws := []rewards.SpinReward{cash("10", 0.4), cash("50", 0.3), cash("100", 0.2)}

	idx, fallback := rewards.SelectReward(rws, 0.95)
	assert.Equal(t, 0, idx)
	assert.True(t, fallback)

	idx, fallback = rewards.SelectReward(rws, 0.85)
	assert.Equal(t, 2, idx)
	assert.False(t, fallback)

	idx, fallback = rewards.SelectReward(rws, 0.4)
	assert.Equal(t, 0, idx)
	assert.False(t, fallback)
}

func TestSelectReward_SkipsZeroProbability(t *testing.T) {
	rws := []rewards.SpinReward{cash("999", 0), cash("10", 0.5), cash("20", 0.5)}

	idx, _ := rewards.SelectReward(rws, 0)
	assert.Equal(t, 1, idx)
	idx, _ = rewards.SelectReward(rws, 0.7)
	assert.Equal(t, 2, idx)
}

// =============================================================================
// SPIN
// =============================================================================

func TestSpin_PaysCashReward(t *testing.T) {
	ctx := context.Background()
	e, mem := newEngine(t, rewards.Options{Random: &seqRandom{values: []float64{0.3}}})
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1,
		spinWheel(rewards.UnlockAlways, 3, 20, cash("50", 0.5), cash("100", 0.5)))

	out, err := e.Spin(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, rewards.RewardCash, out.RewardType)
	assertDec(t, "50", out.Value)
	assert.Equal(t, string(rewards.UnlockAlways), out.Reason)

	require.NotNil(t, out.Payout)
	assert.Equal(t, generic.PeriodDaily, out.Payout.Period)
	assert.Equal(t, "2025-03-14", out.Payout.PeriodKey)
	assert.Equal(t, generic.UnitCurrency, out.Payout.Amount.Unit)
	require.Len(t, out.Payout.Breakdown, 1)
	assert.Equal(t, generic.ComponentSpin, out.Payout.Breakdown[0].Component)
	assert.Contains(t, out.Payout.IdempotencyKey, out.SpinID)

	day, dayEnd, _, _ := generic.SpinWindows(march14)
	spins, err := mem.ListSpins(ctx, "u1", day, dayEnd)
	require.NoError(t, err)
	require.Len(t, spins, 1)
	assert.Equal(t, out.SpinID, spins[0].ID)
}

func TestSpin_TwoSpinsTwoPayouts(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{Random: &seqRandom{values: []float64{0.1}}})
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockAlways, 5, 0, cash("25", 1)))

	_, err := e.Spin(ctx, "u1", "")
	require.NoError(t, err)
	_, err = e.Spin(ctx, "u1", "")
	require.NoError(t, err)

	payouts, err := e.GetPayouts(ctx, "u1", generic.PayoutFilter{Period: generic.PeriodDaily})
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
}

func TestSpin_PointsAndNone(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{Random: &seqRandom{values: []float64{0.2, 0.9}}})
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockAlways, 0, 0,
		rewards.SpinReward{Type: rewards.RewardPoints, Value: dec("20"), Probability: 0.5},
		rewards.SpinReward{Type: rewards.RewardNone, Value: dec("0"), Label: "better luck", Probability: 0.5},
	))

	out, err := e.Spin(ctx, "u1", "")
	require.NoError(t, err)
	require.NotNil(t, out.Payout)
	assert.Equal(t, generic.UnitPoints, out.Payout.Amount.Unit)

	out, err = e.Spin(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, rewards.RewardNone, out.RewardType)
	assert.Nil(t, out.Payout)
}

func TestSpin_DailyCapExceeded(t *testing.T) {
	// GIVEN: daily_spin_cap = 1
	// WHEN: The user spins twice
	// THEN: The second spin fails with SpinCapExceeded for the day

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockAlways, 1, 10, cash("10", 1)))

	_, err := e.Spin(ctx, "u1", "")
	require.NoError(t, err)

	_, err = e.Spin(ctx, "u1", "")
	require.Error(t, err)
	var capErr *generic.SpinCapExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, generic.SpinWindowDay, capErr.Window)
	assert.Equal(t, 1, capErr.Used)
	assert.True(t, generic.IsClientError(err))
}

func TestSpin_MonthlyCapExceeded(t *testing.T) {
	ctx := context.Background()
	e, mem := newEngine(t, rewards.Options{})
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockAlways, 1, 2, cash("10", 1)))

	for _, day := range []int{3, 7} {
		require.NoError(t, mem.InsertSpinWithinCaps(ctx, generic.SpinRecord{
			ID: fmt.Sprintf("old-%d", day), UserID: "u1", RuleID: "sw-1",
			At: time.Date(2025, time.March, day, 9, 0, 0, 0, time.UTC), RewardType: rewards.RewardCash,
		}, 0, 0))
	}

	_, err := e.Spin(ctx, "u1", "")
	var capErr *generic.SpinCapExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, generic.SpinWindowMonth, capErr.Window)
}

func TestSpin_RequiresUnlock(t *testing.T) {
	// GIVEN: A wheel unlocked by meeting the daily target
	// WHEN: The user spins before and after a day that matched a tier
	// THEN: SpinNotUnlocked, then a successful spin

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockDailyTargetMet, 1, 10, cash("10", 1)))

	_, err := e.Spin(ctx, "u1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrSpinNotUnlocked))

	_, err = e.ComputeDaily(ctx, dailyInput("u1", "s1", date(2025, time.March, 14)))
	require.NoError(t, err)

	_, err = e.Spin(ctx, "u1", string(rewards.UnlockDailyTargetMet))
	require.NoError(t, err)
}

func TestSpin_ReasonMustBeKnown(t *testing.T) {
	// GIVEN: A wheel unlocked by the daily target that also grants PROMOTION spins
	// WHEN: The user, with no target met, spins for other reasons
	// THEN: Unknown reasons are InvalidInput, PROMOTION draws without the unlock

	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})
	wheel := spinWheel(rewards.UnlockDailyTargetMet, 5, 10, cash("10", 1))
	wheel.GrantReasons = []string{"PROMOTION"}
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, wheel)

	for _, reason := range []string{"x", "ALWAYS", "promotion"} {
		_, err := e.Spin(ctx, "u1", reason)
		assert.ErrorIs(t, err, generic.ErrInvalidInput, reason)
	}

	_, err := e.Spin(ctx, "u1", string(rewards.UnlockDailyTargetMet))
	assert.ErrorIs(t, err, generic.ErrSpinNotUnlocked)

	out, err := e.Spin(ctx, "u1", "PROMOTION")
	require.NoError(t, err)
	assert.Equal(t, "PROMOTION", out.Reason)
}

func TestSpin_NoWheelConfigured(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{})

	_, err := e.Spin(ctx, "u1", "")
	assert.True(t, errors.Is(err, generic.ErrNoActiveRule))
}

func TestSpin_ConcurrentRespectsCap(t *testing.T) {
	// GIVEN: daily_spin_cap = 1
	// WHEN: 10 spins for the same user race
	// THEN: Exactly one succeeds, nine fail with SpinCapExceeded

	stores := map[string]func(t *testing.T) generic.Store{
		"memory": func(t *testing.T) generic.Store {
			return store.NewMemory()
		},
		"sqlite": func(t *testing.T) generic.Store {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEngineOn(t, newStore(t), rewards.Options{})
			saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockAlways, 1, 0, cash("10", 1)))

			const attempts = 10
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				ok, capd int
				other    []error
			)
			for range attempts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.Spin(ctx, "u1", "")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, generic.ErrSpinCapExceeded):
						capd++
					default:
						other = append(other, err)
					}
				}()
			}
			wg.Wait()

			assert.Empty(t, other)
			assert.Equal(t, 1, ok)
			assert.Equal(t, attempts-1, capd)
		})
	}
}

func TestSpin_OddProbabilitiesStillDraw(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, rewards.Options{Random: &seqRandom{values: []float64{math.Nextafter(1, 0)}}})
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1,
		spinWheel(rewards.UnlockAlways, 0, 0, cash("10", 0.4), cash("20", 0.5)))

	out, err := e.Spin(ctx, "u1", "")
	require.NoError(t, err)
	assertDec(t, "10", out.Value)
}
