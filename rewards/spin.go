/*
spin.go - Spin-wheel draws

PURPOSE:
  A spin is a weighted random draw from the active spin-wheel rule's
  reward list, limited per user by a daily and a monthly cap.

FLOW:
  1. Resolve the spin-wheel rule (mandatory).
  2. Reason: the rule's unlock condition (the default) or one of its
     grant reasons; anything else is InvalidInput. The unlock condition
     needs a spin-eligible daily record for the user today (ALWAYS needs
     none); a grant reason skips that check.
  3. Caps: count today's and this month's spins; a used-up cap fails
     with SpinCapExceeded before anything is drawn.
  4. Draw r in [0, 1) and pick the first reward whose cumulative
     probability reaches r. Probabilities summing below 1 leave a gap;
     an r in the gap falls back to the first reward (logged at WARN).
  5. Insert the SpinRecord under the caps, atomically in the store. Two
     concurrent spins can both pass step 3; only one passes step 5.
  6. value > 0: a DAILY payout with one SPIN line, keyed by the spin id.

SEE ALSO:
  - generic/store.go: InsertSpinWithinCaps
*/
package rewards

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

const (
	RewardCash    = "CASH"
	RewardPoints  = "POINTS"
	RewardVoucher = "VOUCHER"
	RewardNone    = "NONE"
)

// RandomSource yields uniform numbers in [0, 1).
type RandomSource interface {
	Float64() float64
}

// defaultRandom draws from math/rand/v2's global generator, which is safe
// for concurrent use.
type defaultRandom struct{}

func (defaultRandom) Float64() float64 { return rand.Float64() }

type SpinOutcome struct {
	SpinID     string          `json:"spin_id"`
	UserID     generic.UserID  `json:"user_id"`
	RuleID     generic.RuleID  `json:"rule_id"`
	Reason     string          `json:"reason"`
	RewardType string          `json:"reward_type"`
	Value      decimal.Decimal `json:"value"`
	Label      string          `json:"label,omitempty"`
	At         time.Time       `json:"at"`
	Payout     *generic.Payout `json:"payout,omitempty"`
}

// SelectReward returns the index of the reward r lands on. fallback is
// true when r falls past the last cumulative probability and the first
// reward was chosen instead.
func SelectReward(rewards []SpinReward, r float64) (idx int, fallback bool) {
	cumulative := 0.0
	for i, rw := range rewards {
		if rw.Probability <= 0 {
			continue
		}
		cumulative += rw.Probability
		if cumulative >= r {
			return i, false
		}
	}
	return 0, true
}

type SpinWheel struct {
	*env
	random RandomSource
}

// Spin performs one draw for userID. An empty reason means the rule's
// unlock condition.
func (s *SpinWheel) Spin(ctx context.Context, userID generic.UserID, reason string) (*SpinOutcome, error) {
	const op = "spin"
	now := s.clock.Now().UTC()
	day := generic.DayOf(now)
	periodKey := day.String()

	if userID == "" {
		return nil, s.fail(ctx, op, userID, periodKey, "", fmt.Errorf("%w: user id is required", generic.ErrInvalidInput))
	}
	rule, err := s.rules.Active(ctx, KindSpinWheel, "", day)
	if err != nil {
		return nil, s.fail(ctx, op, userID, periodKey, "", err)
	}
	payload, err := DecodePayload[SpinWheelPayload](rule)
	if err != nil {
		return nil, s.fail(ctx, op, userID, periodKey, rule.ID, err)
	}
	if len(payload.Rewards) == 0 {
		return nil, s.fail(ctx, op, userID, periodKey, rule.ID, fmt.Errorf("%w: spin wheel has no rewards", generic.ErrInvalidRule))
	}
	if reason == "" {
		reason = string(payload.UnlockCondition)
	}
	if !payload.allows(reason) {
		return nil, s.fail(ctx, op, userID, periodKey, rule.ID,
			fmt.Errorf("%w: spin reason %q is neither %s nor a grant reason of %s", generic.ErrInvalidInput, reason, payload.UnlockCondition, rule.ID))
	}

	if reason == string(payload.UnlockCondition) && payload.UnlockCondition != UnlockAlways {
		ok, err := s.unlocked(ctx, userID, day)
		if err != nil {
			return nil, s.fail(ctx, op, userID, periodKey, rule.ID, err)
		}
		if !ok {
			return nil, s.fail(ctx, op, userID, periodKey, rule.ID,
				fmt.Errorf("%w: %s not met on %s", generic.ErrSpinNotUnlocked, payload.UnlockCondition, periodKey))
		}
	}

	if err := s.checkCaps(ctx, userID, now, payload); err != nil {
		return nil, s.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	r := s.random.Float64()
	idx, fallback := SelectReward(payload.Rewards, r)
	if fallback {
		s.log.Warn("spin probabilities do not cover draw, first reward used",
			"rule_id", rule.ID, "user_id", userID, "r", r)
	}
	reward := payload.Rewards[idx]

	rec := generic.SpinRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		RuleID:     rule.ID,
		At:         now,
		Reason:     reason,
		RewardType: reward.Type,
		Value:      reward.Value,
		Label:      reward.Label,
	}
	if err := s.store.InsertSpinWithinCaps(ctx, rec, payload.DailySpinCap, payload.MonthlySpinCap); err != nil {
		return nil, s.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	out := &SpinOutcome{
		SpinID:     rec.ID,
		UserID:     userID,
		RuleID:     rule.ID,
		Reason:     reason,
		RewardType: reward.Type,
		Value:      reward.Value,
		Label:      reward.Label,
		At:         now,
	}
	if reward.Value.IsPositive() && reward.Type != RewardNone {
		unit := generic.UnitCurrency
		if reward.Type == RewardPoints {
			unit = generic.UnitPoints
		}
		p, err := s.recordPayout(ctx, generic.PayoutInput{
			UserID:    userID,
			Period:    generic.PeriodDaily,
			PeriodKey: periodKey,
			Amount:    generic.NewAmountFromDecimal(reward.Value, unit),
			Breakdown: []generic.BreakdownLine{{
				RuleID:    rule.ID,
				Component: generic.ComponentSpin,
				Amount:    reward.Value,
				Note:      reward.Label,
			}},
			SourceRuleIDs: []generic.RuleID{rule.ID},
			KeyExtra:      rec.ID,
		})
		if err != nil {
			return nil, s.fail(ctx, op, userID, periodKey, rule.ID, err)
		}
		out.Payout = p
	}

	s.audit(ctx, generic.AuditSpinCompleted, "spin", rec.ID, nil, rec, nil)
	if err := s.notifier.SpinCompleted(ctx, *out); err != nil {
		s.log.Warn("spin notification failed", "spin_id", rec.ID, "error", err)
	}
	return out, nil
}

// unlocked reports whether any of the user's daily records for day is
// spin-eligible.
func (s *SpinWheel) unlocked(ctx context.Context, userID generic.UserID, day generic.TimePoint) (bool, error) {
	recs, err := s.store.ListPerformance(ctx, generic.PerformanceFilter{
		UserID:      userID,
		Granularity: generic.GranularityDaily,
		From:        day,
		To:          day,
	})
	if err != nil {
		return false, fmt.Errorf("load daily records: %w", err)
	}
	for _, rec := range recs {
		if rec.SpinEligible {
			return true, nil
		}
	}
	return false, nil
}

func (s *SpinWheel) checkCaps(ctx context.Context, userID generic.UserID, now time.Time, p SpinWheelPayload) error {
	dayFrom, dayTo, monthFrom, monthTo := generic.SpinWindows(now)
	if p.DailySpinCap > 0 {
		used, err := s.store.CountSpins(ctx, userID, dayFrom, dayTo)
		if err != nil {
			return fmt.Errorf("count spins: %w", err)
		}
		if used >= p.DailySpinCap {
			return &generic.SpinCapExceededError{Window: generic.SpinWindowDay, Cap: p.DailySpinCap, Used: used}
		}
	}
	if p.MonthlySpinCap > 0 {
		used, err := s.store.CountSpins(ctx, userID, monthFrom, monthTo)
		if err != nil {
			return fmt.Errorf("count spins: %w", err)
		}
		if used >= p.MonthlySpinCap {
			return &generic.SpinCapExceededError{Window: generic.SpinWindowMonth, Cap: p.MonthlySpinCap, Used: used}
		}
	}
	return nil
}
