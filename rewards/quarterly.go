package rewards

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/incentive-engine/generic"
)

// =============================================================================
// QUARTERLY EVALUATION - Rolling review of monthly revenue
// =============================================================================
//
// The window is the eval_window_months months ending the month before the
// evaluated one. Each month's revenue is summed across the user's stores.
// A window with any month missing has not matured: no outcome, no error.
//
// When at least months_required months fall below min_sales the rule's
// consequence applies and a zero-amount QUARTERLY payout is written as
// the compliance record. Otherwise the consequence is NONE.

type MonthRevenue struct {
	Month   string          `json:"month"`
	Revenue decimal.Decimal `json:"revenue"`
	Below   bool            `json:"below_threshold"`
}

type QuarterlyOutcome struct {
	RuleID                generic.RuleID  `json:"rule_id"`
	Consequence           Consequence     `json:"consequence"`
	AvgRevenue            decimal.Decimal `json:"avg_revenue"`
	UnderperformingMonths int             `json:"underperforming_months"`
	Months                []MonthRevenue  `json:"months"`
	Payout                *generic.Payout `json:"payout,omitempty"`
}

type QuarterlyEvaluator struct {
	*env
}

// EvaluateQuarter returns nil, nil when the window has not matured.
func (q *QuarterlyEvaluator) EvaluateQuarter(ctx context.Context, userID generic.UserID, ym generic.YearMonth) (*QuarterlyOutcome, error) {
	const op = "evaluate_quarter"
	periodKey := ym.String()
	if userID == "" {
		return nil, q.fail(ctx, op, userID, periodKey, "", fmt.Errorf("%w: user id is required", generic.ErrInvalidInput))
	}

	rule, err := q.rules.Active(ctx, KindQuarterlyEval, "", ym.Start())
	if err != nil {
		return nil, q.fail(ctx, op, userID, periodKey, "", err)
	}
	payload, err := DecodePayload[QuarterlyEvalPayload](rule)
	if err != nil {
		return nil, q.fail(ctx, op, userID, periodKey, rule.ID, err)
	}

	first := ym.AddMonths(-payload.EvalWindowMonths)
	recs, err := q.store.ListPerformance(ctx, generic.PerformanceFilter{
		UserID:      userID,
		Granularity: generic.GranularityMonthly,
		From:        first.Start(),
		To:          ym.Prev().Start(),
	})
	if err != nil {
		return nil, q.fail(ctx, op, userID, periodKey, rule.ID, fmt.Errorf("load monthly records: %w", err))
	}
	revenue := make(map[generic.YearMonth]decimal.Decimal)
	for _, rec := range recs {
		m := rec.PeriodStart.YearMonth()
		revenue[m] = revenue[m].Add(rec.Inputs.RevenuePreTax)
	}

	out := &QuarterlyOutcome{RuleID: rule.ID, Consequence: ConsequenceNone}
	total := decimal.Zero
	for i := 0; i < payload.EvalWindowMonths; i++ {
		m := first.AddMonths(i)
		rev, ok := revenue[m]
		if !ok {
			q.log.Debug("quarterly window not matured", "user_id", userID, "month", periodKey, "missing", m.String())
			return nil, nil
		}
		below := rev.LessThan(payload.NonPerformanceThreshold.MinSales)
		if below {
			out.UnderperformingMonths++
		}
		total = total.Add(rev)
		out.Months = append(out.Months, MonthRevenue{Month: m.String(), Revenue: rev, Below: below})
	}
	out.AvgRevenue = total.Div(decimal.NewFromInt(int64(payload.EvalWindowMonths))).Round(2)

	if out.UnderperformingMonths >= payload.NonPerformanceThreshold.MonthsRequired {
		out.Consequence = payload.Consequence
		p, err := q.recordPayout(ctx, generic.PayoutInput{
			UserID:    userID,
			Period:    generic.PeriodQuarterly,
			PeriodKey: periodKey,
			Amount:    generic.Currency(decimal.Zero),
			Breakdown: []generic.BreakdownLine{{
				RuleID:    rule.ID,
				Component: generic.ComponentQuarterly,
				Amount:    decimal.Zero,
				Note: fmt.Sprintf("%s: %d of %d months below %s",
					out.Consequence, out.UnderperformingMonths, payload.EvalWindowMonths, payload.NonPerformanceThreshold.MinSales),
			}},
			SourceRuleIDs: []generic.RuleID{rule.ID},
		})
		if err != nil {
			return nil, q.fail(ctx, op, userID, periodKey, rule.ID, err)
		}
		out.Payout = p
	}

	q.audit(ctx, generic.AuditQuarterEvaluated, "user", string(userID)+"/"+periodKey, nil, out, nil)
	q.log.Info("quarter evaluated", "user_id", userID, "month", periodKey, "rule_id", rule.ID,
		"consequence", out.Consequence, "underperforming_months", out.UnderperformingMonths)
	return out, nil
}
