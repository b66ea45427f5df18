package generic_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/generic/store"
)

var ledgerNow = time.Date(2025, time.March, 14, 18, 0, 0, 0, time.UTC)

func newLedger() (*generic.Ledger, *store.Memory) {
	mem := store.NewMemory()
	return generic.NewLedger(mem, generic.FixedClock{At: ledgerNow}), mem
}

func dailyPayout(amount string) generic.PayoutInput {
	value := decimal.RequireFromString(amount)
	return generic.PayoutInput{
		UserID:    "u1",
		StoreID:   "s1",
		Period:    generic.PeriodDaily,
		PeriodKey: "2025-03-14",
		Amount:    generic.Currency(value),
		Breakdown: []generic.BreakdownLine{
			{RuleID: "dt-1", Component: generic.ComponentCustomerCount, Amount: value},
		},
		SourceRuleIDs: []generic.RuleID{"dt-1"},
	}
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestIdempotencyKey_SortsRuleIDs(t *testing.T) {
	a := dailyPayout("100")
	a.SourceRuleIDs = []generic.RuleID{"ts-1", "dt-1", "ts-1"}
	b := dailyPayout("100")
	b.SourceRuleIDs = []generic.RuleID{"dt-1", "ts-1"}

	assert.Equal(t, "u1|s1|DAILY|2025-03-14|dt-1,ts-1", generic.IdempotencyKey(a))
	assert.Equal(t, generic.IdempotencyKey(a), generic.IdempotencyKey(b))

	b.KeyExtra = "spin-42"
	assert.True(t, strings.HasSuffix(generic.IdempotencyKey(b), "|spin-42"))
}

func TestPayoutIDForKey_Deterministic(t *testing.T) {
	id := generic.PayoutIDForKey("u1|s1|DAILY|2025-03-14|dt-1")
	assert.Equal(t, id, generic.PayoutIDForKey("u1|s1|DAILY|2025-03-14|dt-1"))
	assert.NotEqual(t, id, generic.PayoutIDForKey("u1|s1|DAILY|2025-03-15|dt-1"))
	assert.True(t, strings.HasPrefix(string(id), "po_"))
	assert.Len(t, string(id), 23)
}

func TestLedger_RecordIsIdempotent(t *testing.T) {
	// GIVEN: A daily payout already recorded
	// WHEN: The same calculation records it twice more
	// THEN: One row, the same id each time, one audit entry

	ctx := context.Background()
	l, mem := newLedger()

	first, err := l.Record(ctx, dailyPayout("100"))
	require.NoError(t, err)
	for range 2 {
		again, err := l.Record(ctx, dailyPayout("100"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	payouts, err := l.Payouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
	assert.Equal(t, generic.PayoutDue, payouts[0].Status)

	entries, err := mem.QueryAudit(ctx, generic.AuditFilter{EntityType: "payout"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.AuditPayoutRecorded, entries[0].Action)
	assert.Equal(t, "engine", entries[0].Actor)
}

func TestLedger_ConcurrentRecordInsertsOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	var wg sync.WaitGroup
	ids := make([]generic.PayoutID, 20)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Record(ctx, dailyPayout("100"))
			if err == nil {
				ids[i] = p.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	payouts, err := l.Payouts(ctx, "u1", generic.PayoutFilter{})
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

// =============================================================================
// REVISIONS
// =============================================================================

func TestLedger_ChangedAmountSupersedesDuePayout(t *testing.T) {
	// GIVEN: A DUE payout of 100
	// WHEN: Recalculation yields 250, then 400
	// THEN: Revisions 1 and 2, each old row VOID and pointing at its successor

	ctx := context.Background()
	l, mem := newLedger()

	r0, err := l.Record(ctx, dailyPayout("100"))
	require.NoError(t, err)
	r1, err := l.Record(ctx, dailyPayout("250"))
	require.NoError(t, err)
	r2, err := l.Record(ctx, dailyPayout("400"))
	require.NoError(t, err)

	assert.Equal(t, 1, r1.Revision)
	assert.Equal(t, 2, r2.Revision)
	assert.True(t, strings.HasSuffix(r2.IdempotencyKey, "#r2"))

	old, err := l.Get(ctx, r0.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.PayoutVoid, old.Status)
	assert.Equal(t, r1.ID, old.SupersededBy)

	due, err := l.Payouts(ctx, "u1", generic.PayoutFilter{Status: generic.PayoutDue})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, r2.ID, due[0].ID)
	assert.True(t, due[0].Amount.Value.Equal(decimal.NewFromInt(400)))

	// re-recording the latest amount follows the chain and changes nothing
	again, err := l.Record(ctx, dailyPayout("400"))
	require.NoError(t, err)
	assert.Equal(t, r2.ID, again.ID)

	entries, err := mem.QueryAudit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditPayoutSuperseded}})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLedger_PaidPayoutIsSettled(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	p, err := l.Record(ctx, dailyPayout("100"))
	require.NoError(t, err)
	_, err = l.MarkPaid(ctx, p.ID, "finance")
	require.NoError(t, err)

	_, err = l.Record(ctx, dailyPayout("120"))
	assert.ErrorIs(t, err, generic.ErrPayoutSettled)

	// the same decision is still a no-op
	same, err := l.Record(ctx, dailyPayout("100"))
	require.NoError(t, err)
	assert.Equal(t, generic.PayoutPaid, same.Status)
}

func TestLedger_ManuallyVoidedStaysVoid(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	p, err := l.Record(ctx, dailyPayout("100"))
	require.NoError(t, err)
	_, err = l.Void(ctx, p.ID, "ops", "duplicate sale")
	require.NoError(t, err)

	got, err := l.Record(ctx, dailyPayout("150"))
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, generic.PayoutVoid, got.Status)
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestLedger_Transitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		first  func(*generic.Ledger, generic.PayoutID) (generic.Payout, error)
		second func(*generic.Ledger, generic.PayoutID) (generic.Payout, error)
		want   generic.PayoutStatus
	}{
		{
			name:   "paid cannot be voided",
			first:  func(l *generic.Ledger, id generic.PayoutID) (generic.Payout, error) { return l.MarkPaid(ctx, id, "finance") },
			second: func(l *generic.Ledger, id generic.PayoutID) (generic.Payout, error) { return l.Void(ctx, id, "ops", "late") },
			want:   generic.PayoutPaid,
		},
		{
			name:   "void cannot be paid",
			first:  func(l *generic.Ledger, id generic.PayoutID) (generic.Payout, error) { return l.Void(ctx, id, "ops", "wrong store") },
			second: func(l *generic.Ledger, id generic.PayoutID) (generic.Payout, error) { return l.MarkPaid(ctx, id, "finance") },
			want:   generic.PayoutVoid,
		},
		{
			name:   "cancelled cannot be cancelled again",
			first:  func(l *generic.Ledger, id generic.PayoutID) (generic.Payout, error) { return l.Cancel(ctx, id, "pos", "refund") },
			second: func(l *generic.Ledger, id generic.PayoutID) (generic.Payout, error) { return l.Cancel(ctx, id, "pos", "refund") },
			want:   generic.PayoutVoid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLedger()
			p, err := l.Record(ctx, dailyPayout("100"))
			require.NoError(t, err)

			after, err := tt.first(l, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, after.Status)

			_, err = tt.second(l, p.ID)
			var transErr *generic.InvalidTransitionError
			require.True(t, errors.As(err, &transErr))
			assert.Equal(t, tt.want, transErr.From)
			assert.True(t, generic.IsClientError(err))
		})
	}
}

func TestLedger_CancelRecordsReason(t *testing.T) {
	ctx := context.Background()
	l, mem := newLedger()
	p, err := l.Record(ctx, dailyPayout("100"))
	require.NoError(t, err)

	got, err := l.Cancel(ctx, p.ID, "pos", "refund")
	require.NoError(t, err)
	assert.Equal(t, "cancelled: refund", got.StatusReason)

	entries, err := mem.QueryAudit(ctx, generic.AuditFilter{EntityID: string(p.ID)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, generic.AuditPayoutCancelled, entries[1].Action)
	assert.Equal(t, "pos", entries[1].Actor)
	assert.NotEmpty(t, entries[1].Before)
}

func TestLedger_UnknownPayout(t *testing.T) {
	l, _ := newLedger()
	_, err := l.MarkPaid(context.Background(), "po_missing", "finance")
	assert.ErrorIs(t, err, generic.ErrPayoutNotFound)
	assert.True(t, generic.IsNotFound(err))
}

func TestLedger_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	noUser := dailyPayout("10")
	noUser.UserID = ""
	negative := dailyPayout("-10")
	badPeriod := dailyPayout("10")
	badPeriod.Period = "WEEKLY"

	for _, in := range []generic.PayoutInput{noUser, negative, badPeriod} {
		_, err := l.Record(ctx, in)
		assert.Error(t, err)
	}
}

func TestLedger_CreatePayoutCollectsRuleIDs(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger()

	p, err := l.CreatePayout(ctx, "u1", "s1", generic.PeriodMonthly, "2025-03",
		generic.Currency(decimal.NewFromInt(3500)),
		[]generic.BreakdownLine{
			{RuleID: "ms-1", Component: generic.ComponentSlab, Amount: decimal.NewFromInt(5000)},
			{RuleID: "ms-1", Component: generic.ComponentDeduction, Amount: decimal.NewFromInt(-1500)},
		})
	require.NoError(t, err)
	assert.Equal(t, []generic.RuleID{"ms-1"}, p.SourceRuleIDs)
	assert.Equal(t, "u1|s1|MONTHLY|2025-03|ms-1", p.IdempotencyKey)
}
