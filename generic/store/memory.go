// Package store provides Store implementations.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/warp/incentive-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.Store. A single mutex makes every
// check-then-write method atomic.
type Memory struct {
	mu sync.RWMutex

	rules       map[generic.RuleID]generic.Rule
	performance map[generic.PerformanceKey]generic.PerformanceRecord
	seq         int64

	payouts     map[generic.PayoutID]generic.Payout
	payoutByKey map[string]generic.PayoutID

	spins     []generic.SpinRecord
	audit     []generic.AuditEntry
	batchRuns []generic.BatchRun
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rules:       make(map[generic.RuleID]generic.Rule),
		performance: make(map[generic.PerformanceKey]generic.PerformanceRecord),
		payouts:     make(map[generic.PayoutID]generic.Payout),
		payoutByKey: make(map[string]generic.PayoutID),
	}
}

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) SaveRule(_ context.Context, rule generic.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rules[rule.ID]; ok {
		if existing.SameContent(rule) {
			return nil
		}
		return fmt.Errorf("%w: rule %s already exists with different content", generic.ErrInvalidRule, rule.ID)
	}
	m.rules[rule.ID] = rule
	return nil
}

func (m *Memory) GetRule(_ context.Context, id generic.RuleID) (generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return generic.Rule{}, fmt.Errorf("%w: %s", generic.ErrRuleNotFound, id)
	}
	return r, nil
}

func (m *Memory) SetRuleActive(_ context.Context, id generic.RuleID, active bool) (generic.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return generic.Rule{}, fmt.Errorf("%w: %s", generic.ErrRuleNotFound, id)
	}
	before := r
	r.IsActive = active
	m.rules[id] = r
	return before, nil
}

func (m *Memory) ListRules(_ context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Rule
	for _, r := range m.rules {
		if filter.Kind != nil && r.Kind != *filter.Kind {
			continue
		}
		if filter.Scope != nil && r.Scope != *filter.Scope {
			continue
		}
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) ActiveRules(_ context.Context, kind generic.RuleKind, at generic.TimePoint) ([]generic.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Rule
	for _, r := range m.rules {
		if r.Kind == kind && r.IsActiveAt(at) {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []generic.Rule) {
	slices.SortFunc(rules, func(a, b generic.Rule) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Scope, b.Scope),
			cmp.Compare(a.Version, b.Version),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

// =============================================================================
// PERFORMANCE
// =============================================================================

func (m *Memory) UpsertPerformance(_ context.Context, rec generic.PerformanceRecord) (generic.PerformanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.PeriodStart = generic.DayOf(rec.PeriodStart.Time)
	k := rec.Key()
	if existing, ok := m.performance[k]; ok {
		rec.Seq = existing.Seq
		rec.CreatedAt = existing.CreatedAt
		rec.AppliedSlabs = existing.AppliedSlabs
	} else {
		m.seq++
		rec.Seq = m.seq
		rec.AppliedSlabs = nil
	}
	m.performance[k] = rec
	return clonePerformance(rec), nil
}

func (m *Memory) GetPerformance(_ context.Context, key generic.PerformanceKey) (*generic.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.performance[normalizeKey(key)]
	if !ok {
		return nil, nil
	}
	rec = clonePerformance(rec)
	return &rec, nil
}

func (m *Memory) ListPerformance(_ context.Context, filter generic.PerformanceFilter) ([]generic.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.PerformanceRecord
	for _, rec := range m.performance {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.StoreID != "" && rec.StoreID != filter.StoreID {
			continue
		}
		if filter.Granularity != "" && rec.Granularity != filter.Granularity {
			continue
		}
		if !filter.From.IsZero() && rec.PeriodStart.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.PeriodStart.After(filter.To) {
			continue
		}
		out = append(out, clonePerformance(rec))
	}
	slices.SortFunc(out, func(a, b generic.PerformanceRecord) int {
		return cmp.Or(a.PeriodStart.Time.Compare(b.PeriodStart.Time), cmp.Compare(a.Seq, b.Seq))
	})
	return out, nil
}

func (m *Memory) AppendAppliedSlab(_ context.Context, key generic.PerformanceKey, slab generic.AppliedSlab) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = normalizeKey(key)
	rec, ok := m.performance[key]
	if !ok {
		return false, generic.ErrMonthlyPerformanceNotFound
	}
	if n := len(rec.AppliedSlabs); n > 0 && sameSlab(rec.AppliedSlabs[n-1], slab) {
		return false, nil
	}
	rec.AppliedSlabs = append(slices.Clone(rec.AppliedSlabs), slab)
	m.performance[key] = rec
	return true, nil
}

func sameSlab(a, b generic.AppliedSlab) bool {
	return a.RuleID == b.RuleID && a.SlabIndex == b.SlabIndex && a.NetIncentive.Equal(b.NetIncentive)
}

// normalizeKey drops the time-of-day so lookups match regardless of how
// the caller built the TimePoint.
func normalizeKey(k generic.PerformanceKey) generic.PerformanceKey {
	k.PeriodStart = generic.DayOf(k.PeriodStart.Time)
	return k
}

func clonePerformance(rec generic.PerformanceRecord) generic.PerformanceRecord {
	rec.Components = slices.Clone(rec.Components)
	rec.AppliedSlabs = slices.Clone(rec.AppliedSlabs)
	rec.Inputs.SKUSales = slices.Clone(rec.Inputs.SKUSales)
	if rec.DailyTargetTier != nil {
		t := *rec.DailyTargetTier
		rec.DailyTargetTier = &t
	}
	return rec
}

// =============================================================================
// PAYOUTS
// =============================================================================

func (m *Memory) InsertPayoutIfAbsent(_ context.Context, p generic.Payout) (generic.Payout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.payoutByKey[p.IdempotencyKey]; ok {
		return clonePayout(m.payouts[id]), false, nil
	}
	m.insertPayoutLocked(p)
	return clonePayout(p), true, nil
}

func (m *Memory) insertPayoutLocked(p generic.Payout) {
	p = clonePayout(p)
	m.payouts[p.ID] = p
	m.payoutByKey[p.IdempotencyKey] = p.ID
}

func (m *Memory) GetPayout(_ context.Context, id generic.PayoutID) (generic.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return generic.Payout{}, fmt.Errorf("%w: %s", generic.ErrPayoutNotFound, id)
	}
	return clonePayout(p), nil
}

func (m *Memory) SupersedePayout(_ context.Context, oldID generic.PayoutID, next generic.Payout, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.payouts[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrPayoutNotFound, oldID)
	}
	if old.Status != generic.PayoutDue {
		return &generic.InvalidTransitionError{PayoutID: oldID, From: old.Status, To: generic.PayoutVoid}
	}
	if _, exists := m.payoutByKey[next.IdempotencyKey]; exists {
		return generic.ErrDuplicateIdempotencyKey
	}
	old.Status = generic.PayoutVoid
	old.StatusReason = "superseded by recalculation"
	old.SupersededBy = next.ID
	old.UpdatedAt = at
	m.payouts[oldID] = old
	m.insertPayoutLocked(next)
	return nil
}

func (m *Memory) UpdatePayoutStatus(_ context.Context, id generic.PayoutID, from, to generic.PayoutStatus, reason string, at time.Time) (generic.Payout, generic.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[id]
	if !ok {
		return generic.Payout{}, generic.Payout{}, fmt.Errorf("%w: %s", generic.ErrPayoutNotFound, id)
	}
	if p.Status != from {
		return generic.Payout{}, generic.Payout{}, &generic.InvalidTransitionError{PayoutID: id, From: p.Status, To: to}
	}
	before := clonePayout(p)
	p.Status = to
	p.StatusReason = reason
	p.UpdatedAt = at
	m.payouts[id] = p
	return before, clonePayout(p), nil
}

func (m *Memory) ListPayouts(_ context.Context, userID generic.UserID, filter generic.PayoutFilter) ([]generic.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.Payout
	for _, p := range m.payouts {
		if p.UserID != userID {
			continue
		}
		if filter.Period != "" && p.Period != filter.Period {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.PeriodKeyPrefix != "" && !strings.HasPrefix(p.PeriodKey, filter.PeriodKeyPrefix) {
			continue
		}
		out = append(out, clonePayout(p))
	}
	slices.SortFunc(out, func(a, b generic.Payout) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.IdempotencyKey, b.IdempotencyKey))
	})
	return out, nil
}

func clonePayout(p generic.Payout) generic.Payout {
	p.Breakdown = slices.Clone(p.Breakdown)
	p.SourceRuleIDs = slices.Clone(p.SourceRuleIDs)
	return p
}

// =============================================================================
// SPINS
// =============================================================================

func (m *Memory) CountSpins(_ context.Context, userID generic.UserID, from, to time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countSpinsLocked(userID, from, to), nil
}

func (m *Memory) countSpinsLocked(userID generic.UserID, from, to time.Time) int {
	n := 0
	for _, s := range m.spins {
		if s.UserID == userID && !s.At.Before(from) && s.At.Before(to) {
			n++
		}
	}
	return n
}

func (m *Memory) InsertSpinWithinCaps(_ context.Context, rec generic.SpinRecord, dailyCap, monthlyCap int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dayFrom, dayTo, monthFrom, monthTo := generic.SpinWindows(rec.At)
	if dailyCap > 0 {
		if used := m.countSpinsLocked(rec.UserID, dayFrom, dayTo); used >= dailyCap {
			return &generic.SpinCapExceededError{Window: generic.SpinWindowDay, Cap: dailyCap, Used: used}
		}
	}
	if monthlyCap > 0 {
		if used := m.countSpinsLocked(rec.UserID, monthFrom, monthTo); used >= monthlyCap {
			return &generic.SpinCapExceededError{Window: generic.SpinWindowMonth, Cap: monthlyCap, Used: used}
		}
	}
	m.spins = append(m.spins, rec)
	return nil
}

func (m *Memory) ListSpins(_ context.Context, userID generic.UserID, from, to time.Time) ([]generic.SpinRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.SpinRecord
	for _, s := range m.spins {
		if s.UserID == userID && !s.At.Before(from) && s.At.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []generic.AuditEntry
	for _, e := range m.audit {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if len(filter.Actions) > 0 && !slices.Contains(filter.Actions, e.Action) {
			continue
		}
		if filter.From != nil && e.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.Timestamp.After(*filter.To) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// BATCH RUNS
// =============================================================================

func (m *Memory) SaveBatchRun(_ context.Context, run generic.BatchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.batchRuns {
		if m.batchRuns[i].ID == run.ID {
			m.batchRuns[i] = run
			return nil
		}
	}
	m.batchRuns = append(m.batchRuns, run)
	return nil
}

func (m *Memory) LastBatchRun(_ context.Context, kind generic.PeriodKind, periodKey string) (*generic.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.batchRuns) - 1; i >= 0; i-- {
		if r := m.batchRuns[i]; r.Kind == kind && r.PeriodKey == periodKey {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListBatchRuns(_ context.Context, limit int) ([]generic.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]generic.BatchRun, 0, len(m.batchRuns))
	for i := len(m.batchRuns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.batchRuns[i])
	}
	return out, nil
}
