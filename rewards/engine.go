/*
engine.go - The incentive engine facade

PURPOSE:
  Engine wires the calculators to one store, one rule resolver and one
  ledger, and is the API the HTTP layer, the scheduler and tests call.

OPERATIONS:
  ComputeDaily        one day of POS/CRM inputs -> record + DAILY payout
  RecordMonthly       external month-end aggregate
  ComputeMonthlySlab  month-end slab incentive -> MONTHLY payout
  EvaluateQuarter     rolling non-performance review
  Spin                spin-wheel draw
  Leaderboard         ranked read over daily records
  GetPayouts, VoidPayout, CancelPayout, MarkPayoutPaid
  SaveRule, SetRuleActive, Rules

CONCURRENCY:
  Engine holds no per-unit state. Calls for different units may run in
  parallel; the store serializes conflicting writes.
*/
package rewards

import (
	"context"
	"time"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/logger"
)

type Options struct {
	Clock            generic.Clock
	Logger           *logger.Logger
	Notifier         Notifier
	Random           RandomSource
	MinPaidBills     int64
	RuleCacheSize    int
	RuleCacheTTL     time.Duration
	LeaderboardLimit int
	BatchConcurrency int
}

type Engine struct {
	store       generic.Store
	rules       *RuleResolver
	ledger      *generic.Ledger
	daily       *DailyCalculator
	monthly     *MonthlyCalculator
	quarterly   *QuarterlyEvaluator
	spins       *SpinWheel
	leaderboard *Leaderboard
	batch       *BatchRunner
	log         *logger.Logger
}

func NewEngine(store generic.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Random == nil {
		opts.Random = defaultRandom{}
	}
	if opts.MinPaidBills <= 0 {
		opts.MinPaidBills = DefaultMinPaidBills
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}

	rules := NewRuleResolver(store, opts.RuleCacheSize, opts.RuleCacheTTL, opts.Clock, opts.Logger.With("component", "rules"))
	e := &env{
		store:    store,
		rules:    rules,
		ledger:   generic.NewLedger(store, opts.Clock),
		clock:    opts.Clock,
		log:      opts.Logger,
		notifier: opts.Notifier,
	}
	monthly := &MonthlyCalculator{env: e}
	quarterly := &QuarterlyEvaluator{env: e}
	return &Engine{
		store:       store,
		rules:       rules,
		ledger:      e.ledger,
		daily:       &DailyCalculator{env: e, minPaidBills: opts.MinPaidBills},
		monthly:     monthly,
		quarterly:   quarterly,
		spins:       &SpinWheel{env: e, random: opts.Random},
		leaderboard: NewLeaderboard(store, opts.LeaderboardLimit),
		batch: &BatchRunner{
			store:       store,
			monthly:     monthly,
			quarterly:   quarterly,
			concurrency: opts.BatchConcurrency,
			clock:       opts.Clock,
			log:         opts.Logger.With("component", "batch"),
		},
		log: opts.Logger,
	}
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (e *Engine) ComputeDaily(ctx context.Context, in DailyInput) (*generic.PerformanceRecord, error) {
	return e.daily.ComputeDaily(ctx, in)
}

func (e *Engine) RecordMonthly(ctx context.Context, in MonthlyInput) (*generic.PerformanceRecord, error) {
	return e.monthly.RecordMonthly(ctx, in)
}

func (e *Engine) ComputeMonthlySlab(ctx context.Context, userID generic.UserID, storeID generic.StoreID, ym generic.YearMonth) (*SlabOutcome, error) {
	return e.monthly.ComputeMonthlySlab(ctx, userID, storeID, ym)
}

func (e *Engine) EvaluateQuarter(ctx context.Context, userID generic.UserID, ym generic.YearMonth) (*QuarterlyOutcome, error) {
	return e.quarterly.EvaluateQuarter(ctx, userID, ym)
}

func (e *Engine) Spin(ctx context.Context, userID generic.UserID, reason string) (*SpinOutcome, error) {
	return e.spins.Spin(ctx, userID, reason)
}

func (e *Engine) Leaderboard(ctx context.Context, q LeaderboardQuery) ([]LeaderboardEntry, error) {
	return e.leaderboard.Query(ctx, q)
}

// Performance lists stored records matching filter.
func (e *Engine) Performance(ctx context.Context, filter generic.PerformanceFilter) ([]generic.PerformanceRecord, error) {
	return e.store.ListPerformance(ctx, filter)
}

// =============================================================================
// PAYOUTS
// =============================================================================

func (e *Engine) GetPayouts(ctx context.Context, userID generic.UserID, filter generic.PayoutFilter) ([]generic.Payout, error) {
	return e.ledger.Payouts(ctx, userID, filter)
}

func (e *Engine) GetPayout(ctx context.Context, id generic.PayoutID) (generic.Payout, error) {
	return e.ledger.Get(ctx, id)
}

func (e *Engine) VoidPayout(ctx context.Context, id generic.PayoutID, actor, reason string) (generic.Payout, error) {
	return e.ledger.Void(ctx, id, actor, reason)
}

func (e *Engine) CancelPayout(ctx context.Context, id generic.PayoutID, actor, reason string) (generic.Payout, error) {
	return e.ledger.Cancel(ctx, id, actor, reason)
}

func (e *Engine) MarkPayoutPaid(ctx context.Context, id generic.PayoutID, actor string) (generic.Payout, error) {
	return e.ledger.MarkPaid(ctx, id, actor)
}

// =============================================================================
// RULES
// =============================================================================

func (e *Engine) SaveRule(ctx context.Context, rule generic.Rule, actor string) (generic.Rule, error) {
	return e.rules.Save(ctx, rule, actor)
}

func (e *Engine) SetRuleActive(ctx context.Context, id generic.RuleID, active bool, actor string) (generic.Rule, error) {
	return e.rules.SetActive(ctx, id, active, actor)
}

func (e *Engine) Rules(ctx context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	return e.rules.List(ctx, filter)
}

func (e *Engine) ActiveRule(ctx context.Context, kind generic.RuleKind, scope string, at generic.TimePoint) (generic.Rule, error) {
	return e.rules.Active(ctx, kind, scope, at)
}

// =============================================================================
// BATCHES & AUDIT
// =============================================================================

func (e *Engine) Batch() *BatchRunner { return e.batch }

func (e *Engine) Audit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	return e.store.QueryAudit(ctx, filter)
}
