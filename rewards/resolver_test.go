package rewards_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/generic/store"
	"github.com/warp/incentive-engine/rewards"
)

func newResolver(mem *store.Memory) *rewards.RuleResolver {
	return rewards.NewRuleResolver(mem, 16, time.Minute, generic.FixedClock{At: march14}, nil)
}

func rawRule(t *testing.T, id string, kind generic.RuleKind, from generic.TimePoint, to *generic.TimePoint, payload any) generic.Rule {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return generic.Rule{ID: generic.RuleID(id), Name: id, Kind: kind, EffectiveFrom: from, EffectiveTo: to, IsActive: true, Payload: raw}
}

func TestRuleResolver_EffectiveWindows(t *testing.T) {
	// GIVEN: Version 1 for Jan-Feb, version 2 from March
	// WHEN: Resolving on each side of the boundary
	// THEN: Each day sees the version in force that day

	ctx := context.Background()
	r := newResolver(store.NewMemory())
	feb28 := date(2025, time.February, 28)
	_, err := r.Save(ctx, rawRule(t, "ts-v1", rewards.KindTeleSales, jan1, &feb28, teleSales()), "ops")
	require.NoError(t, err)
	_, err = r.Save(ctx, rawRule(t, "ts-v2", rewards.KindTeleSales, date(2025, time.March, 1), nil, teleSales()), "ops")
	require.NoError(t, err)

	rule, err := r.Active(ctx, rewards.KindTeleSales, "", feb28)
	require.NoError(t, err)
	assert.Equal(t, generic.RuleID("ts-v1"), rule.ID)

	rule, err = r.Active(ctx, rewards.KindTeleSales, "", date(2025, time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, generic.RuleID("ts-v2"), rule.ID)

	_, err = r.Active(ctx, rewards.KindTeleSales, "", date(2024, time.December, 31))
	var noRule *generic.NoActiveRuleError
	require.True(t, errors.As(err, &noRule))
	assert.Equal(t, string(rewards.KindTeleSales), noRule.Kind)
}

func TestRuleResolver_CacheSeesWritesThroughResolver(t *testing.T) {
	// GIVEN: A cached "no rule" answer
	// WHEN: A rule is saved, then disabled, through the resolver
	// THEN: Each lookup reflects the write

	ctx := context.Background()
	r := newResolver(store.NewMemory())
	day := date(2025, time.March, 14)

	_, err := r.Active(ctx, rewards.KindTeleSales, "", day)
	require.ErrorIs(t, err, generic.ErrNoActiveRule)

	_, err = r.Save(ctx, rawRule(t, "ts-1", rewards.KindTeleSales, jan1, nil, teleSales()), "ops")
	require.NoError(t, err)
	_, err = r.Active(ctx, rewards.KindTeleSales, "", day)
	require.NoError(t, err)

	disabled, err := r.SetActive(ctx, "ts-1", false, "ops")
	require.NoError(t, err)
	assert.False(t, disabled.IsActive)
	_, err = r.Active(ctx, rewards.KindTeleSales, "", day)
	assert.ErrorIs(t, err, generic.ErrNoActiveRule)
}

func TestRuleResolver_ConflictIsAudited(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := newResolver(mem)
	_, err := r.Save(ctx, rawRule(t, "ts-1", rewards.KindTeleSales, jan1, nil, teleSales()), "ops")
	require.NoError(t, err)
	_, err = r.Save(ctx, rawRule(t, "ts-2", rewards.KindTeleSales, date(2025, time.February, 1), nil, teleSales()), "ops")
	require.NoError(t, err)

	_, err = r.Active(ctx, rewards.KindTeleSales, "", date(2025, time.March, 14))
	require.ErrorIs(t, err, generic.ErrRuleConflict)
	assert.True(t, generic.IsConfigurationError(err))

	// still a conflict on a second call: conflicts are never cached as an answer
	_, err = r.Active(ctx, rewards.KindTeleSales, "", date(2025, time.March, 14))
	require.ErrorIs(t, err, generic.ErrRuleConflict)

	entries, err := mem.QueryAudit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditRuleConflict}})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// only January is unambiguous
	rule, err := r.Active(ctx, rewards.KindTeleSales, "", date(2025, time.January, 20))
	require.NoError(t, err)
	assert.Equal(t, generic.RuleID("ts-1"), rule.ID)
}

func TestRuleResolver_ActiveByKindPerScope(t *testing.T) {
	ctx := context.Background()
	r := newResolver(store.NewMemory())

	tv := rawRule(t, "pi-tv", rewards.KindProductIncentive, jan1, nil, tvIncentive(nil, nil))
	tv.Scope = "tv"
	audio := rawRule(t, "pi-audio", rewards.KindProductIncentive, jan1, nil, rewards.ProductIncentivePayload{
		Lines: []rewards.ProductLine{{ID: "bar", Category: "audio", Mode: rewards.ModePct, Pct: dec("2")}},
	})
	audio.Scope = "audio"
	for _, rule := range []generic.Rule{tv, audio} {
		_, err := r.Save(ctx, rule, "ops")
		require.NoError(t, err)
	}

	rules, err := r.ActiveByKind(ctx, rewards.KindProductIncentive, date(2025, time.March, 14))
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestRuleResolver_SaveValidates(t *testing.T) {
	ctx := context.Background()
	r := newResolver(store.NewMemory())

	tests := []struct {
		name string
		rule generic.Rule
	}{
		{"unknown kind", rawRule(t, "x-1", "loyalty", jan1, nil, map[string]any{})},
		{"overlapping tiers", rawRule(t, "dt-1", rewards.KindDailyTarget, jan1, nil, rewards.DailyTargetPayload{
			StoreTypes: []rewards.StoreTypeTarget{{StoreType: "MALL", Tiers: []generic.Tier{
				{Min: dec("0"), Max: decp("20"), Reward: dec("10")},
				{Min: dec("15"), Reward: dec("20")},
			}}},
		})},
		{"store types differing only in case", rawRule(t, "dt-2", rewards.KindDailyTarget, jan1, nil, rewards.DailyTargetPayload{
			StoreTypes: []rewards.StoreTypeTarget{
				{StoreType: "Mall", Tiers: []generic.Tier{{Min: dec("0"), Reward: dec("10")}}},
				{StoreType: "mall", Tiers: []generic.Tier{{Min: dec("0"), Reward: dec("20")}}},
			},
		})},
		{"grant reason repeats the unlock condition", rawRule(t, "sw-2", rewards.KindSpinWheel, jan1, nil, func() rewards.SpinWheelPayload {
			w := spinWheel(rewards.UnlockAlways, 1, 1, cash("10", 1))
			w.GrantReasons = []string{"PROMOTION", "ALWAYS"}
			return w
		}())},
		{"probabilities above one", rawRule(t, "sw-1", rewards.KindSpinWheel, jan1, nil,
			spinWheel(rewards.UnlockAlways, 1, 1, cash("10", 0.7), cash("20", 0.5)))},
		{"ends before it starts", rawRule(t, "ts-1", rewards.KindTeleSales, date(2025, time.March, 1), &jan1, teleSales())},
		{"evaluator-less kind needs an object", rawRule(t, "tb-1", rewards.KindTeamBattle, jan1, nil, []int{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Save(ctx, tt.rule, "ops")
			assert.ErrorIs(t, err, generic.ErrInvalidRule)
		})
	}
}

func TestRuleResolver_RulesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	r := newResolver(store.NewMemory())
	rule := rawRule(t, "ts-1", rewards.KindTeleSales, jan1, nil, teleSales())

	_, err := r.Save(ctx, rule, "ops")
	require.NoError(t, err)

	// identical re-save is a no-op
	_, err = r.Save(ctx, rule, "ops")
	require.NoError(t, err)

	edited := rule
	edited.Payload = json.RawMessage(`{"dial_target": 99, "dial_reward": "1", "per_booking_reward": "0", "qa_weight": "0"}`)
	_, err = r.Save(ctx, edited, "ops")
	assert.ErrorIs(t, err, generic.ErrInvalidRule)
}
