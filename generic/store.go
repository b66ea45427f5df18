/*
store.go - Persistence interfaces for rules, performance, payouts and spins

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage; both
  must be safe for concurrent use.

KEY INTERFACES:
  RuleStore:        Append-only rule versions (+ soft-disable)
  PerformanceStore: Upsert-by-key performance records
  PayoutStore:      Idempotent payout ledger rows
  SpinStore:        Immutable spin records with capped inserts
  AuditLog:         Append-only who-did-what-when
  BatchRunStore:    Bookkeeping for scheduled monthly/quarterly runs

ATOMIC OPERATIONS:
  Two checks cannot be done by the caller with a read followed by a write,
  because two engine instances may race between them:
  - InsertPayoutIfAbsent: the idempotency key check and the insert
  - InsertSpinWithinCaps: the cap count and the insert
  Implementations do both halves under one lock or SQL transaction.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level payout operations using PayoutStore
*/
package generic

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// RULE STORE
// =============================================================================

type RuleStore interface {
	// SaveRule appends a rule version. Saving an existing ID with identical
	// content is a no-op; with different content it fails with ErrInvalidRule.
	SaveRule(ctx context.Context, rule Rule) error

	// GetRule returns ErrRuleNotFound when the id is unknown.
	GetRule(ctx context.Context, id RuleID) (Rule, error)

	// SetRuleActive flips the soft-disable switch and returns the rule as
	// it was before the change.
	SetRuleActive(ctx context.Context, id RuleID, active bool) (Rule, error)

	// ListRules returns rule versions ordered by kind, scope and version.
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)

	// ActiveRules returns every version of kind satisfying the active
	// predicate at the given day, across all scopes.
	ActiveRules(ctx context.Context, kind RuleKind, at TimePoint) ([]Rule, error)
}

type RuleFilter struct {
	Kind  *RuleKind
	Scope *string
}

// =============================================================================
// PERFORMANCE STORE
// =============================================================================

type PerformanceStore interface {
	// UpsertPerformance inserts or replaces the record at its key. An
	// existing record keeps its Seq, CreatedAt and AppliedSlabs.
	UpsertPerformance(ctx context.Context, rec PerformanceRecord) (PerformanceRecord, error)

	// GetPerformance returns nil when no record exists at the key.
	GetPerformance(ctx context.Context, key PerformanceKey) (*PerformanceRecord, error)

	// ListPerformance returns matching records ordered by (PeriodStart, Seq).
	ListPerformance(ctx context.Context, filter PerformanceFilter) ([]PerformanceRecord, error)

	// AppendAppliedSlab appends to the record's slab history unless the
	// entry repeats the last one (same rule, slab and net). Returns whether
	// it appended.
	AppendAppliedSlab(ctx context.Context, key PerformanceKey, slab AppliedSlab) (bool, error)
}

// PerformanceFilter selects records with PeriodStart in [From, To].
// Zero-valued fields don't filter.
type PerformanceFilter struct {
	UserID      UserID
	StoreID     StoreID
	Granularity Granularity
	From        TimePoint
	To          TimePoint
}

// =============================================================================
// PAYOUT STORE
// =============================================================================

type PayoutStore interface {
	// InsertPayoutIfAbsent inserts p unless its idempotency key exists.
	// Returns the stored payout and whether this call inserted it.
	InsertPayoutIfAbsent(ctx context.Context, p Payout) (Payout, bool, error)

	// GetPayout returns ErrPayoutNotFound when the id is unknown.
	GetPayout(ctx context.Context, id PayoutID) (Payout, error)

	// SupersedePayout voids a DUE payout, pointing it at next, and inserts
	// next, all or nothing. A non-DUE old payout yields InvalidTransitionError.
	SupersedePayout(ctx context.Context, oldID PayoutID, next Payout, at time.Time) error

	// UpdatePayoutStatus moves a payout from one status to another only if
	// it is still in from. Returns the payout before and after the change.
	UpdatePayoutStatus(ctx context.Context, id PayoutID, from, to PayoutStatus, reason string, at time.Time) (before, after Payout, err error)

	// ListPayouts returns a user's payouts, oldest first.
	ListPayouts(ctx context.Context, userID UserID, filter PayoutFilter) ([]Payout, error)
}

// PayoutFilter narrows ListPayouts. PeriodKeyPrefix "2025-03" matches the
// March monthly payout and every March daily payout.
type PayoutFilter struct {
	Period          PeriodKind
	Status          PayoutStatus
	PeriodKeyPrefix string
}

// =============================================================================
// SPIN STORE
// =============================================================================

type SpinStore interface {
	// CountSpins counts a user's spins with At in [from, to).
	CountSpins(ctx context.Context, userID UserID, from, to time.Time) (int, error)

	// InsertSpinWithinCaps inserts rec only if the user's spins on rec's UTC
	// day are below dailyCap and those in rec's UTC month below monthlyCap.
	// A zero cap means unlimited. Fails with *SpinCapExceededError.
	InsertSpinWithinCaps(ctx context.Context, rec SpinRecord, dailyCap, monthlyCap int) error

	ListSpins(ctx context.Context, userID UserID, from, to time.Time) ([]SpinRecord, error)
}

// SpinWindows returns the UTC day and month windows containing at.
func SpinWindows(at time.Time) (dayFrom, dayTo, monthFrom, monthTo time.Time) {
	at = at.UTC()
	dayFrom = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	dayTo = dayFrom.AddDate(0, 0, 1)
	monthFrom = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthTo = monthFrom.AddDate(0, 1, 0)
	return
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Actor      string          `json:"actor"`
	Action     AuditAction     `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type AuditAction string

const (
	AuditRuleCreated        AuditAction = "rule_created"
	AuditRuleActiveChanged  AuditAction = "rule_active_changed"
	AuditRuleConflict       AuditAction = "rule_conflict"
	AuditPerformanceUpsert  AuditAction = "performance_upserted"
	AuditCalculationSkipped AuditAction = "calculation_skipped"
	AuditCalculationFailed  AuditAction = "calculation_failed"
	AuditSlabApplied        AuditAction = "slab_applied"
	AuditQuarterEvaluated   AuditAction = "quarter_evaluated"
	AuditSpinCompleted      AuditAction = "spin_completed"
	AuditPayoutRecorded     AuditAction = "payout_recorded"
	AuditPayoutSuperseded   AuditAction = "payout_superseded"
	AuditPayoutVoided       AuditAction = "payout_voided"
	AuditPayoutCancelled    AuditAction = "payout_cancelled"
	AuditPayoutPaid         AuditAction = "payout_paid"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
}

// Snapshot marshals v for an audit entry's Before/After. Values that fail
// to marshal are recorded as null.
func Snapshot(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// =============================================================================
// BATCH RUNS - Scheduled monthly and quarterly evaluations
// =============================================================================

type BatchRunStatus string

const (
	BatchRunning   BatchRunStatus = "running"
	BatchCompleted BatchRunStatus = "completed"
	BatchFailed    BatchRunStatus = "failed"
)

type BatchRun struct {
	ID          string         `json:"id"`
	Kind        PeriodKind     `json:"kind"`
	PeriodKey   string         `json:"period_key"`
	Status      BatchRunStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Units       int            `json:"units"`
	Succeeded   int            `json:"succeeded"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Error       string         `json:"error,omitempty"`
}

type BatchRunStore interface {
	SaveBatchRun(ctx context.Context, run BatchRun) error
	// LastBatchRun returns nil when kind/periodKey never ran.
	LastBatchRun(ctx context.Context, kind PeriodKind, periodKey string) (*BatchRun, error)
	ListBatchRuns(ctx context.Context, limit int) ([]BatchRun, error)
}

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

type Store interface {
	RuleStore
	PerformanceStore
	PayoutStore
	SpinStore
	AuditLog
	BatchRunStore
}
