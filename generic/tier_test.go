package generic_test

import (
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// customer-count style table: [0,10) [10,20) [20,∞)
func customerTiers() []generic.Tier {
	return []generic.Tier{
		{Min: d("0"), Max: dp("10"), Reward: d("0"), Label: "none"},
		{Min: d("10"), Max: dp("20"), Reward: d("100"), Label: "bronze"},
		{Min: d("20"), Reward: d("250"), Label: "gold"},
	}
}

func TestMatchTier_UpperExclusive(t *testing.T) {
	tiers := customerTiers()

	tests := []struct {
		value string
		want  int
	}{
		{"0", 0},
		{"9.99", 0},
		{"10", 1},
		{"19", 1},
		{"20", 2},
		{"100000", 2},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			idx, ok := generic.MatchTier(tiers, d(tt.value), generic.UpperExclusive)
			require.True(t, ok)
			assert.Equal(t, tt.want, idx)
		})
	}

	_, ok := generic.MatchTier(tiers, d("-1"), generic.UpperExclusive)
	assert.False(t, ok)
}

func TestMatchTier_UpperInclusive(t *testing.T) {
	// GIVEN: Slabs 0-100000 and 100000+
	// WHEN: Revenue is exactly 100000
	// THEN: The lower slab wins under inclusive bounds

	slabs := []generic.Tier{
		{Min: d("0"), Max: dp("100000"), Reward: d("2000")},
		{Min: d("100000"), Reward: d("5000")},
	}
	idx, ok := generic.MatchTier(slabs, d("100000"), generic.UpperInclusive)
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = generic.MatchTier(slabs, d("100000"), generic.UpperExclusive)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, _ = generic.MatchTier(slabs, d("100000.01"), generic.UpperInclusive)
	assert.Equal(t, 1, idx)
}

func TestMatchTier_GapMatchesNothing(t *testing.T) {
	tiers := []generic.Tier{
		{Min: d("0"), Max: dp("5"), Reward: d("10")},
		{Min: d("8"), Reward: d("20")},
	}
	_, ok := generic.MatchTier(tiers, d("6"), generic.UpperExclusive)
	assert.False(t, ok)
	_, ok = generic.MatchTier(nil, d("6"), generic.UpperExclusive)
	assert.False(t, ok)
}

func TestMatchTier_ReorderStable(t *testing.T) {
	// GIVEN: A non-overlapping table and a shuffled copy
	// WHEN: Matching many values against both
	// THEN: The matched tier is the same row regardless of order

	tiers := customerTiers()
	shuffled := append([]generic.Tier(nil), tiers...)
	rng := rand.New(rand.NewPCG(1, 2))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	for v := range 40 {
		value := decimal.NewFromInt(int64(v))
		i, ok1 := generic.MatchTier(tiers, value, generic.UpperExclusive)
		j, ok2 := generic.MatchTier(shuffled, value, generic.UpperExclusive)
		require.Equal(t, ok1, ok2)
		assert.Equal(t, tiers[i].Label, shuffled[j].Label, "value %d", v)
	}
}

func TestValidateTiers(t *testing.T) {
	assert.NoError(t, generic.ValidateTiers(customerTiers()))
	assert.NoError(t, generic.ValidateTiers([]generic.Tier{
		{Min: d("0"), Max: dp("100000"), Reward: d("2000")},
		{Min: d("100000"), Reward: d("5000")},
	}), "touching bounds are allowed")

	bad := map[string][]generic.Tier{
		"empty":           nil,
		"negative min":    {{Min: d("-1"), Reward: d("1")}},
		"negative reward": {{Min: d("0"), Reward: d("-1")}},
		"max below min":   {{Min: d("10"), Max: dp("5"), Reward: d("1")}},
		"open not last": {
			{Min: d("0"), Reward: d("1")},
			{Min: d("10"), Max: dp("20"), Reward: d("2")},
		},
		"overlap": {
			{Min: d("0"), Max: dp("20"), Reward: d("1")},
			{Min: d("15"), Reward: d("2")},
		},
		"descending": {
			{Min: d("20"), Max: dp("30"), Reward: d("1")},
			{Min: d("0"), Max: dp("10"), Reward: d("2")},
		},
	}
	for name, tiers := range bad {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, generic.ValidateTiers(tiers), generic.ErrInvalidRule)
		})
	}
}
