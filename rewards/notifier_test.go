package rewards_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/rewards"
)

type recordingNotifier struct {
	mu      sync.Mutex
	payouts []generic.Payout
	spins   []rewards.SpinOutcome
	err     error
}

func (n *recordingNotifier) PayoutRecorded(_ context.Context, p generic.Payout) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payouts = append(n.payouts, p)
	return n.err
}

func (n *recordingNotifier) SpinCompleted(_ context.Context, s rewards.SpinOutcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spins = append(n.spins, s)
	return n.err
}

func TestNotifier_ToldAfterDecisions(t *testing.T) {
	// GIVEN: A notifier that fails every call
	// WHEN: A day is computed and a spin is drawn
	// THEN: Both decisions stand and the notifier saw each once

	ctx := context.Background()
	n := &recordingNotifier{err: errors.New("sms gateway down")}
	e, _ := newEngine(t, rewards.Options{Notifier: n})
	saveRule(t, e, "dt-1", rewards.KindDailyTarget, rewards.ScopeCustomerCount, jan1, customerTargets())
	saveRule(t, e, "sw-1", rewards.KindSpinWheel, "", jan1, spinWheel(rewards.UnlockAlways, 1, 10,
		rewards.SpinReward{Type: rewards.RewardCash, Value: dec("50"), Probability: 1}))

	_, err := e.ComputeDaily(ctx, dailyInput("u1", "s1", date(2025, time.March, 14)))
	require.NoError(t, err)
	out, err := e.Spin(ctx, "u1", "")
	require.NoError(t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.spins, 1)
	assert.Equal(t, out.SpinID, n.spins[0].SpinID)

	var periods []generic.PeriodKind
	for _, p := range n.payouts {
		periods = append(periods, p.Period)
	}
	assert.Len(t, n.payouts, 2, "the day's payout and the spin's payout")
	assert.Contains(t, periods, generic.PeriodDaily)
}
