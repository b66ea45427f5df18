package rewards

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/logger"
)

// =============================================================================
// BATCH RUNNER - Month-end and quarterly runs over every user
// =============================================================================
//
// Units (one user/store/month for slabs, one user for quarters) are
// independent. They run in parallel up to the configured concurrency; a
// failing unit is reported and never stops the others.

const DefaultBatchConcurrency = 8

type UnitFailure struct {
	UserID  generic.UserID  `json:"user_id"`
	StoreID generic.StoreID `json:"store_id,omitempty"`
	Error   string          `json:"error"`
}

type BatchReport struct {
	Kind      generic.PeriodKind `json:"kind"`
	PeriodKey string             `json:"period_key"`
	Units     int                `json:"units"`
	Succeeded int                `json:"succeeded"`
	Skipped   int                `json:"skipped"`
	Failures  []UnitFailure      `json:"failures,omitempty"`
}

type batchUnit struct {
	userID  generic.UserID
	storeID generic.StoreID
}

type BatchRunner struct {
	store       generic.Store
	monthly     *MonthlyCalculator
	quarterly   *QuarterlyEvaluator
	concurrency int
	clock       generic.Clock
	log         *logger.Logger
}

// RunMonthly computes the slab of every (user, store) with a monthly
// record for ym.
func (b *BatchRunner) RunMonthly(ctx context.Context, ym generic.YearMonth) (*BatchReport, error) {
	recs, err := b.store.ListPerformance(ctx, generic.PerformanceFilter{
		Granularity: generic.GranularityMonthly,
		From:        ym.Start(),
		To:          ym.Start(),
	})
	if err != nil {
		return nil, fmt.Errorf("list monthly units for %s: %w", ym, err)
	}
	units := make([]batchUnit, 0, len(recs))
	for _, rec := range recs {
		units = append(units, batchUnit{userID: rec.UserID, storeID: rec.StoreID})
	}

	report := &BatchReport{Kind: generic.PeriodMonthly, PeriodKey: ym.String()}
	err = b.fanOut(ctx, report, units, func(ctx context.Context, u batchUnit) (bool, error) {
		_, err := b.monthly.ComputeMonthlySlab(ctx, u.userID, u.storeID, ym)
		return false, err
	})
	return report, err
}

// RunQuarterly evaluates every user with a monthly record in the month
// before ym.
func (b *BatchRunner) RunQuarterly(ctx context.Context, ym generic.YearMonth) (*BatchReport, error) {
	recs, err := b.store.ListPerformance(ctx, generic.PerformanceFilter{
		Granularity: generic.GranularityMonthly,
		From:        ym.Prev().Start(),
		To:          ym.Prev().Start(),
	})
	if err != nil {
		return nil, fmt.Errorf("list quarterly units for %s: %w", ym, err)
	}
	seen := make(map[generic.UserID]bool)
	var units []batchUnit
	for _, rec := range recs {
		if !seen[rec.UserID] {
			seen[rec.UserID] = true
			units = append(units, batchUnit{userID: rec.UserID})
		}
	}

	report := &BatchReport{Kind: generic.PeriodQuarterly, PeriodKey: ym.String()}
	err = b.fanOut(ctx, report, units, func(ctx context.Context, u batchUnit) (bool, error) {
		out, err := b.quarterly.EvaluateQuarter(ctx, u.userID, ym)
		return out == nil && err == nil, err
	})
	return report, err
}

func (b *BatchRunner) fanOut(ctx context.Context, report *BatchReport, units []batchUnit, fn func(context.Context, batchUnit) (bool, error)) error {
	report.Units = len(units)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(b.concurrency)
	for _, u := range units {
		g.Go(func() error {
			skipped, err := false, ctx.Err()
			if err == nil {
				skipped, err = fn(ctx, u)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failures = append(report.Failures, UnitFailure{UserID: u.userID, StoreID: u.storeID, Error: err.Error()})
			case skipped:
				report.Skipped++
			default:
				report.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	b.log.Info("batch finished", "kind", report.Kind, "period", report.PeriodKey, "units", report.Units,
		"succeeded", report.Succeeded, "skipped", report.Skipped, "failed", len(report.Failures))
	return ctx.Err()
}

// Run executes a batch of the given kind and keeps a BatchRun row of it.
func (b *BatchRunner) Run(ctx context.Context, kind generic.PeriodKind, ym generic.YearMonth) (*BatchReport, error) {
	var run func(context.Context, generic.YearMonth) (*BatchReport, error)
	switch kind {
	case generic.PeriodMonthly:
		run = b.RunMonthly
	case generic.PeriodQuarterly:
		run = b.RunQuarterly
	default:
		return nil, fmt.Errorf("%w: batch kind %q", generic.ErrInvalidInput, kind)
	}

	row := generic.BatchRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		PeriodKey: ym.String(),
		Status:    generic.BatchRunning,
		StartedAt: b.clock.Now(),
	}
	if err := b.store.SaveBatchRun(ctx, row); err != nil {
		return nil, fmt.Errorf("save batch run: %w", err)
	}

	report, runErr := run(ctx, ym)

	completed := b.clock.Now()
	row.CompletedAt = &completed
	row.Status = generic.BatchCompleted
	if report != nil {
		row.Units = report.Units
		row.Succeeded = report.Succeeded
		row.Skipped = report.Skipped
		row.Failed = len(report.Failures)
	}
	if runErr != nil {
		row.Status = generic.BatchFailed
		row.Error = runErr.Error()
	}
	// the run's own context may be done; the row must still land
	if err := b.store.SaveBatchRun(context.WithoutCancel(ctx), row); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("save batch run: %w", err))
	}
	return report, runErr
}

// LastRun returns the latest run of kind for ym, or nil.
func (b *BatchRunner) LastRun(ctx context.Context, kind generic.PeriodKind, ym generic.YearMonth) (*generic.BatchRun, error) {
	return b.store.LastBatchRun(ctx, kind, ym.String())
}

func (b *BatchRunner) Runs(ctx context.Context, limit int) ([]generic.BatchRun, error) {
	return b.store.ListBatchRuns(ctx, limit)
}
