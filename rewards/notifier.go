package rewards

import (
	"context"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/logger"
)

// =============================================================================
// NOTIFIER - Hands finished decisions to delivery
// =============================================================================

// Notifier is told about payouts and spins after they are final. It is
// never consulted before a decision; its errors are logged and dropped.
type Notifier interface {
	PayoutRecorded(ctx context.Context, p generic.Payout) error
	SpinCompleted(ctx context.Context, s SpinOutcome) error
}

type NopNotifier struct{}

func (NopNotifier) PayoutRecorded(context.Context, generic.Payout) error { return nil }
func (NopNotifier) SpinCompleted(context.Context, SpinOutcome) error     { return nil }

// LogNotifier writes one INFO line per event. Useful until a real
// dispatcher (SMS, WhatsApp, email) is plugged in.
type LogNotifier struct {
	Log *logger.Logger
}

func (n LogNotifier) PayoutRecorded(_ context.Context, p generic.Payout) error {
	n.Log.Info("payout recorded",
		"payout_id", p.ID, "user_id", p.UserID, "period", p.Period,
		"period_key", p.PeriodKey, "amount", p.Amount.Value.String(), "unit", p.Amount.Unit)
	return nil
}

func (n LogNotifier) SpinCompleted(_ context.Context, s SpinOutcome) error {
	n.Log.Info("spin completed",
		"spin_id", s.SpinID, "user_id", s.UserID, "reward_type", s.RewardType,
		"value", s.Value.String(), "label", s.Label)
	return nil
}
