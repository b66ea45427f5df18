/*
scheduler.go - Automated month-end batch scheduler

PURPOSE:
  Periodically checks whether the month-end batches are due and runs them:
  slab calculation for the month that just ended, then the rolling
  quarterly evaluation that window feeds.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A batch is due when its period has no completed BatchRun
  - Each batch runs under a lock (batch:KIND:PERIOD) so that only one
    instance works on it; losers skip and look again next tick
  - BatchRunner records the run (running -> completed|failed)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - LockTTL: Upper bound on one batch run (default: 30 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(engine.Batch(), locker, clock, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunMonthlyBatch/RunQuarterlyBatch (manual runs)
  - rewards/batch.go: BatchRunner
  - lock/lock.go: Locker implementations
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/lock"
	"github.com/warp/incentive-engine/logger"
	"github.com/warp/incentive-engine/rewards"
)

// Scheduler runs month-end batches.
type Scheduler struct {
	Batch         *rewards.BatchRunner
	Locker        lock.Locker
	Clock         generic.Clock
	CheckInterval time.Duration
	LockTTL       time.Duration
	Enabled       bool

	log    *logger.Logger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// BatchOutcome describes what one check did for one batch.
type BatchOutcome struct {
	Kind      generic.PeriodKind
	PeriodKey string
	// Ran is false when the batch was already complete or locked elsewhere.
	Ran    bool
	Report *rewards.BatchReport
	Err    error
}

// NewScheduler creates a new scheduler.
func NewScheduler(batch *rewards.BatchRunner, locker lock.Locker, clock generic.Clock, log *logger.Logger) *Scheduler {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		Batch:         batch,
		Locker:        locker,
		Clock:         clock,
		CheckInterval: time.Hour,
		LockTTL:       30 * time.Minute,
		Enabled:       true,
		log:           log.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.log.Info("started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight check. A running
// batch sees its context cancelled; its BatchRun is still recorded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.cancel()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) []BatchOutcome {
	return s.checkAndProcess(ctx)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *Scheduler) GetNextRunTime() time.Time {
	return s.Clock.Now().Add(s.CheckInterval)
}

// checkAndProcess runs the slab batch for last month, then the quarterly
// evaluation keyed on this month (whose window ends with last month).
func (s *Scheduler) checkAndProcess(ctx context.Context) []BatchOutcome {
	current := generic.DayOf(s.Clock.Now()).YearMonth()

	outcomes := []BatchOutcome{
		s.process(ctx, generic.PeriodMonthly, current.Prev()),
	}
	if ctx.Err() == nil {
		outcomes = append(outcomes, s.process(ctx, generic.PeriodQuarterly, current))
	}

	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			s.log.Error("batch failed", "kind", o.Kind, "period", o.PeriodKey, "error", o.Err)
		case o.Ran:
			s.log.Info("batch completed", "kind", o.Kind, "period", o.PeriodKey,
				"units", o.Report.Units, "succeeded", o.Report.Succeeded,
				"skipped", o.Report.Skipped, "failed", len(o.Report.Failures))
		}
	}
	return outcomes
}

func (s *Scheduler) process(ctx context.Context, kind generic.PeriodKind, ym generic.YearMonth) BatchOutcome {
	out := BatchOutcome{Kind: kind, PeriodKey: ym.String()}

	done, err := s.completed(ctx, kind, ym)
	if err != nil {
		out.Err = err
		return out
	}
	if done {
		return out
	}

	key := fmt.Sprintf("batch:%s:%s", kind, ym)
	release, err := s.Locker.Obtain(ctx, key, s.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		s.log.Debug("batch locked elsewhere", "key", key)
		return out
	}
	if err != nil {
		out.Err = err
		return out
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("releasing batch lock", "key", key, "error", err)
		}
	}()

	// another instance may have finished between the check and the lock
	if done, err := s.completed(ctx, kind, ym); err != nil || done {
		out.Err = err
		return out
	}

	out.Ran = true
	out.Report, out.Err = s.Batch.Run(ctx, kind, ym)
	return out
}

func (s *Scheduler) completed(ctx context.Context, kind generic.PeriodKind, ym generic.YearMonth) (bool, error) {
	last, err := s.Batch.LastRun(ctx, kind, ym)
	if err != nil {
		return false, fmt.Errorf("last %s run for %s: %w", kind, ym, err)
	}
	return last != nil && last.Status == generic.BatchCompleted, nil
}
