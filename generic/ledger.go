/*
ledger.go - Idempotent payout ledger

PURPOSE:
  The Ledger is the record of what the organization owes. Every computed
  reward that should be paid becomes exactly one Payout, however many
  times the calculation that produced it is retried or re-run.

CRITICAL INVARIANTS:
  1. IDEMPOTENT: The same (user, store, period, period key, rule set) maps
     to the same idempotency key and the same deterministic payout ID.
  2. NEVER EDITED: A payout's amount and breakdown are immutable. When a
     recalculation disagrees with a DUE payout, the old row is voided and
     a new revision is inserted in one atomic step.
  3. SETTLED IS FINAL: A PAID payout is never superseded. A disagreeing
     recalculation returns ErrPayoutSettled so an operator can follow up.
  4. AUDITABLE: Every write appends an audit entry with before/after.

STATUS MACHINE:
  DUE -> PAID   (MarkPaid)
  DUE -> VOID   (Void, Cancel, or superseded by a new revision)
  Nothing leaves PAID or VOID.

REVISIONS:
  key                 revision 0
  key#r1              revision 1, old row VOID with SupersededBy = new id
  key#r2              ...
  Record always follows the SupersededBy chain to the latest revision
  before comparing.

SEE ALSO:
  - store.go: PayoutStore (atomic insert-if-absent and supersede)
  - rewards/engine.go: Calculators recording payouts
*/
package generic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYOUT TYPES
// =============================================================================

type PayoutStatus string

const (
	PayoutDue  PayoutStatus = "DUE"
	PayoutPaid PayoutStatus = "PAID"
	PayoutVoid PayoutStatus = "VOID"
)

func (s PayoutStatus) Valid() bool {
	return s == PayoutDue || s == PayoutPaid || s == PayoutVoid
}

// BreakdownLine itemizes one component of a payout.
type BreakdownLine struct {
	RuleID    RuleID          `json:"rule_id"`
	Component ComponentType   `json:"component"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
}

type Payout struct {
	ID             PayoutID        `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Revision       int             `json:"revision"`
	UserID         UserID          `json:"user_id"`
	StoreID        StoreID         `json:"store_id,omitempty"`
	Period         PeriodKind      `json:"period"`
	PeriodKey      string          `json:"period_key"`
	Amount         Amount          `json:"amount"`
	Breakdown      []BreakdownLine `json:"breakdown"`
	SourceRuleIDs  []RuleID        `json:"source_rule_ids"`
	Status         PayoutStatus    `json:"status"`
	StatusReason   string          `json:"status_reason,omitempty"`
	SupersededBy   PayoutID        `json:"superseded_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// sameDecision reports whether two payouts pay the same amount for the
// same itemization.
func (p Payout) sameDecision(o Payout) bool {
	if p.StoreID != o.StoreID || !p.Amount.Equal(o.Amount) || len(p.Breakdown) != len(o.Breakdown) {
		return false
	}
	for i := range p.Breakdown {
		a, b := p.Breakdown[i], o.Breakdown[i]
		if a.RuleID != b.RuleID || a.Component != b.Component || !a.Amount.Equal(b.Amount) || a.Note != b.Note {
			return false
		}
	}
	return true
}

// PayoutInput is a request to record a payout.
type PayoutInput struct {
	UserID        UserID
	StoreID       StoreID
	Period        PeriodKind
	PeriodKey     string
	Amount        Amount
	Breakdown     []BreakdownLine
	SourceRuleIDs []RuleID
	// KeyExtra distinguishes payouts that share period and rules, e.g. the
	// spin id of a spin-wheel reward.
	KeyExtra string
	Actor    string
}

// IdempotencyKey builds "user|store|period|periodKey|r1,r2[|extra]" with
// the rule ids sorted.
func IdempotencyKey(in PayoutInput) string {
	ids := make([]string, 0, len(in.SourceRuleIDs))
	for _, id := range in.SourceRuleIDs {
		ids = append(ids, string(id))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	key := strings.Join([]string{string(in.UserID), string(in.StoreID), string(in.Period), in.PeriodKey, strings.Join(ids, ",")}, "|")
	if in.KeyExtra != "" {
		key += "|" + in.KeyExtra
	}
	return key
}

// PayoutIDForKey derives the deterministic payout id of an idempotency key.
func PayoutIDForKey(key string) PayoutID {
	sum := sha256.Sum256([]byte(key))
	return PayoutID("po_" + hex.EncodeToString(sum[:])[:20])
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStore is the persistence the ledger needs.
type LedgerStore interface {
	PayoutStore
	AuditLog
}

type Ledger struct {
	store LedgerStore
	clock Clock
}

func NewLedger(store LedgerStore, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{store: store, clock: clock}
}

// maxSupersedeAttempts bounds retries when another writer supersedes the
// same payout between our read and our write.
const maxSupersedeAttempts = 3

// Record persists the payout described by in, exactly once.
func (l *Ledger) Record(ctx context.Context, in PayoutInput) (Payout, error) {
	if err := validatePayoutInput(in); err != nil {
		return Payout{}, err
	}
	baseKey := IdempotencyKey(in)
	candidate := l.build(in, baseKey, 0)

	for attempt := 0; attempt < maxSupersedeAttempts; attempt++ {
		stored, inserted, err := l.store.InsertPayoutIfAbsent(ctx, candidate)
		if err != nil {
			return Payout{}, fmt.Errorf("insert payout: %w", err)
		}
		if inserted {
			return stored, l.audit(ctx, in.Actor, AuditPayoutRecorded, stored.ID, nil, stored)
		}

		latest, err := l.latest(ctx, stored)
		if err != nil {
			return Payout{}, err
		}
		if latest.sameDecision(candidate) {
			return latest, nil
		}
		switch latest.Status {
		case PayoutPaid:
			return Payout{}, fmt.Errorf("%w: %s was paid %s, recalculated %s",
				ErrPayoutSettled, latest.ID, latest.Amount.Value, candidate.Amount.Value)
		case PayoutVoid:
			// voided by an operator; recalculation does not resurrect it
			return latest, nil
		}

		rev := latest.Revision + 1
		next := l.build(in, fmt.Sprintf("%s#r%d", baseKey, rev), rev)
		err = l.store.SupersedePayout(ctx, latest.ID, next, l.clock.Now())
		if err == nil {
			return next, l.audit(ctx, in.Actor, AuditPayoutSuperseded, latest.ID, latest, next)
		}
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return Payout{}, fmt.Errorf("supersede payout %s: %w", latest.ID, err)
		}
	}
	return Payout{}, fmt.Errorf("record payout %s: concurrent revisions did not settle", baseKey)
}

// CreatePayout records a payout whose source rules are those named by the
// breakdown lines.
func (l *Ledger) CreatePayout(ctx context.Context, userID UserID, storeID StoreID, period PeriodKind, periodKey string, amount Amount, breakdown []BreakdownLine) (Payout, error) {
	var ruleIDs []RuleID
	for _, line := range breakdown {
		if line.RuleID != "" {
			ruleIDs = append(ruleIDs, line.RuleID)
		}
	}
	return l.Record(ctx, PayoutInput{
		UserID:        userID,
		StoreID:       storeID,
		Period:        period,
		PeriodKey:     periodKey,
		Amount:        amount,
		Breakdown:     breakdown,
		SourceRuleIDs: ruleIDs,
	})
}

// Void moves a DUE payout to VOID.
func (l *Ledger) Void(ctx context.Context, id PayoutID, actor, reason string) (Payout, error) {
	return l.transition(ctx, id, PayoutVoid, actor, reason, AuditPayoutVoided)
}

// Cancel is Void initiated by the payee's side (e.g. the sale was refunded).
func (l *Ledger) Cancel(ctx context.Context, id PayoutID, actor, reason string) (Payout, error) {
	return l.transition(ctx, id, PayoutVoid, actor, "cancelled: "+reason, AuditPayoutCancelled)
}

func (l *Ledger) MarkPaid(ctx context.Context, id PayoutID, actor string) (Payout, error) {
	return l.transition(ctx, id, PayoutPaid, actor, "", AuditPayoutPaid)
}

func (l *Ledger) Get(ctx context.Context, id PayoutID) (Payout, error) {
	return l.store.GetPayout(ctx, id)
}

func (l *Ledger) Payouts(ctx context.Context, userID UserID, filter PayoutFilter) ([]Payout, error) {
	return l.store.ListPayouts(ctx, userID, filter)
}

func (l *Ledger) transition(ctx context.Context, id PayoutID, to PayoutStatus, actor, reason string, action AuditAction) (Payout, error) {
	before, after, err := l.store.UpdatePayoutStatus(ctx, id, PayoutDue, to, reason, l.clock.Now())
	if err != nil {
		return Payout{}, err
	}
	return after, l.audit(ctx, actor, action, id, before, after)
}

// latest follows the SupersededBy chain from p to the current revision.
func (l *Ledger) latest(ctx context.Context, p Payout) (Payout, error) {
	for p.SupersededBy != "" {
		next, err := l.store.GetPayout(ctx, p.SupersededBy)
		if err != nil {
			return Payout{}, fmt.Errorf("follow revision of %s: %w", p.ID, err)
		}
		p = next
	}
	return p, nil
}

func (l *Ledger) build(in PayoutInput, key string, revision int) Payout {
	now := l.clock.Now()
	ruleIDs := slices.Clone(in.SourceRuleIDs)
	slices.Sort(ruleIDs)
	return Payout{
		ID:             PayoutIDForKey(key),
		IdempotencyKey: key,
		Revision:       revision,
		UserID:         in.UserID,
		StoreID:        in.StoreID,
		Period:         in.Period,
		PeriodKey:      in.PeriodKey,
		Amount:         in.Amount,
		Breakdown:      in.Breakdown,
		SourceRuleIDs:  slices.Compact(ruleIDs),
		Status:         PayoutDue,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (l *Ledger) audit(ctx context.Context, actor string, action AuditAction, id PayoutID, before, after any) error {
	if actor == "" {
		actor = "engine"
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  l.clock.Now(),
		Actor:      actor,
		Action:     action,
		EntityType: "payout",
		EntityID:   string(id),
		After:      Snapshot(after),
	}
	if before != nil {
		entry.Before = Snapshot(before)
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit %s %s: %w", action, id, err)
	}
	return nil
}

func validatePayoutInput(in PayoutInput) error {
	switch {
	case in.UserID == "":
		return errors.New("payout: user id is required")
	case !in.Period.Valid():
		return fmt.Errorf("payout: invalid period %q", in.Period)
	case in.PeriodKey == "":
		return errors.New("payout: period key is required")
	case in.Amount.IsNegative():
		return fmt.Errorf("payout: negative amount %s", in.Amount.Value)
	}
	return nil
}
