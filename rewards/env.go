package rewards

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/logger"
)

// env carries the collaborators every calculator shares.
type env struct {
	store    generic.Store
	rules    *RuleResolver
	ledger   *generic.Ledger
	clock    generic.Clock
	log      *logger.Logger
	notifier Notifier
}

func (e *env) audit(ctx context.Context, action generic.AuditAction, entityType, entityID string, before, after any, cause error) {
	entry := generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  e.clock.Now(),
		Actor:      "engine",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if before != nil {
		entry.Before = generic.Snapshot(before)
	}
	if after != nil {
		entry.After = generic.Snapshot(after)
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.Warn("failed to append audit entry", "action", action, "entity_id", entityID, "error", err)
	}
}

// fail wraps err with the unit it belongs to and leaves an audit trail, so
// an operator can see why no reward was paid.
func (e *env) fail(ctx context.Context, op string, userID generic.UserID, periodKey string, ruleID generic.RuleID, err error) error {
	cerr := &generic.CalculationError{Operation: op, UserID: userID, PeriodKey: periodKey, RuleID: ruleID, Err: err}

	action := generic.AuditCalculationFailed
	if generic.IsClientError(err) || errors.Is(err, generic.ErrMonthlyPerformanceNotFound) {
		action = generic.AuditCalculationSkipped
		e.log.Info("calculation skipped", "operation", op, "user_id", userID, "period", periodKey, "reason", err)
	} else {
		e.log.Error("calculation failed", "operation", op, "user_id", userID, "period", periodKey, "rule_id", ruleID, "error", err)
	}
	e.audit(ctx, action, "calculation", op+"/"+string(userID)+"/"+periodKey, nil, nil, cerr)
	return cerr
}

// recordPayout records through the ledger and notifies delivery.
func (e *env) recordPayout(ctx context.Context, in generic.PayoutInput) (*generic.Payout, error) {
	p, err := e.ledger.Record(ctx, in)
	if err != nil {
		return nil, err
	}
	if nerr := e.notifier.PayoutRecorded(ctx, p); nerr != nil {
		e.log.Warn("payout notification failed", "payout_id", p.ID, "error", nerr)
	}
	return &p, nil
}

// stalePayouts returns the DUE payouts of in's (user, store, period, key)
// unit recorded under a different rule set. A PAID one means the unit is
// settled and the recalculation must not pay again next to it.
func (e *env) stalePayouts(ctx context.Context, in generic.PayoutInput) ([]generic.Payout, error) {
	existing, err := e.ledger.Payouts(ctx, in.UserID, generic.PayoutFilter{
		Period:          in.Period,
		PeriodKeyPrefix: in.PeriodKey,
	})
	if err != nil {
		return nil, fmt.Errorf("load payouts for %s: %w", in.PeriodKey, err)
	}
	sources := slices.Clone(in.SourceRuleIDs)
	slices.Sort(sources)
	sources = slices.Compact(sources)

	var stale []generic.Payout
	for _, p := range existing {
		// the same rule set is the ledger's own revision chain
		if p.StoreID != in.StoreID || p.PeriodKey != in.PeriodKey || slices.Equal(p.SourceRuleIDs, sources) {
			continue
		}
		switch p.Status {
		case generic.PayoutPaid:
			return nil, fmt.Errorf("%w: %s paid %s under rules %v", generic.ErrPayoutSettled, p.ID, p.Amount.Value, p.SourceRuleIDs)
		case generic.PayoutDue:
			stale = append(stale, p)
		}
	}
	return stale, nil
}

// voidStale voids payouts replaced by a recalculation. One already moved
// on by someone else is left alone.
func (e *env) voidStale(ctx context.Context, stale []generic.Payout, reason string) error {
	for _, p := range stale {
		if _, err := e.ledger.Void(ctx, p.ID, "engine", reason); err != nil && !errors.Is(err, generic.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

// resolveOptional resolves a rule whose absence degrades a component to
// zero. Any failure is logged at WARN and reported as "no rule".
func (e *env) resolveOptional(ctx context.Context, kind generic.RuleKind, scope string, at generic.TimePoint, userID generic.UserID) (generic.Rule, bool) {
	rule, err := e.rules.Active(ctx, kind, scope, at)
	if err != nil {
		e.log.Warn("optional rule unavailable, component contributes zero",
			"kind", kind, "scope", scope, "user_id", userID, "at", at.String(), "error", err)
		return generic.Rule{}, false
	}
	return rule, true
}
