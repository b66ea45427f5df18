/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store using SQLite: rule versions, performance
  records, the payout ledger, spin records, the audit log and batch runs.

KEY TABLES:
  rules:               Append-only rule versions (is_active is the only mutable column)
  performance_records: One row per (user, store, granularity, period_start)
  payouts:             Ledger rows, unique idempotency_key
  spin_records:        Immutable spin outcomes
  audit_log:           Who did what when, with before/after JSON
  batch_runs:          Scheduled monthly/quarterly run bookkeeping

ATOMICITY:
  Check-then-write operations (payout insert-if-absent, supersede,
  conditional status update, spin cap check) run inside one SQL
  transaction opened with _txlock=immediate, so a second process blocks on
  the write lock instead of reading a stale count. Within the process the
  RWMutex serializes writers.

CONNECTIONS:
  The pool is limited to a single connection. ":memory:" databases are
  per-connection, and SQLite allows one writer at a time anyway. Code
  inside a transaction must only use the *sql.Tx, never s.db.

TIMESTAMPS:
  Instants are stored as fixed-width UTC text so that range predicates
  can compare them as strings. Days are stored as "2006-01-02".

USAGE:
  store, err := sqlite.New("./data/incentives.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/incentive-engine/generic"
)

const (
	dayLayout = "2006-01-02"
	tsLayout  = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ generic.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rule versions (append-only)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);

	-- Active-rule lookup (hot path)
	CREATE INDEX IF NOT EXISTS idx_rules_kind_window
		ON rules(kind, effective_from, effective_to);

	-- Performance records (upsert by natural key)
	CREATE TABLE IF NOT EXISTS performance_records (
		user_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		granularity TEXT NOT NULL,
		period_start TEXT NOT NULL,
		seq INTEGER NOT NULL,
		location_json TEXT NOT NULL,
		inputs_json TEXT NOT NULL,
		components_json TEXT NOT NULL,
		total_reward TEXT NOT NULL,
		spin_eligible INTEGER NOT NULL DEFAULT 0,
		daily_target_tier INTEGER,
		applied_slabs_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, store_id, granularity, period_start)
	);

	-- Leaderboards read a whole period across users
	CREATE INDEX IF NOT EXISTS idx_performance_period
		ON performance_records(granularity, period_start, seq);

	-- Payout ledger
	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		revision INTEGER NOT NULL DEFAULT 0,
		user_id TEXT NOT NULL,
		store_id TEXT NOT NULL DEFAULT '',
		period TEXT NOT NULL,
		period_key TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_unit TEXT NOT NULL,
		breakdown_json TEXT NOT NULL,
		source_rule_ids_json TEXT NOT NULL,
		status TEXT NOT NULL,
		status_reason TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_user
		ON payouts(user_id, created_at);

	-- Spins (immutable)
	CREATE TABLE IF NOT EXISTS spin_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		at TEXT NOT NULL,
		reason TEXT NOT NULL,
		reward_type TEXT NOT NULL,
		value TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT ''
	);

	-- Cap checks count a user's spins in a day/month window
	CREATE INDEX IF NOT EXISTS idx_spins_user_at
		ON spin_records(user_id, at);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);

	-- Batch runs
	CREATE TABLE IF NOT EXISTS batch_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		period_key TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		units INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_batch_runs_period
		ON batch_runs(kind, period_key, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, name, kind, scope, version, effective_from, effective_to, is_active, payload_json, created_at, created_by`

func (s *Store) SaveRule(ctx context.Context, rule generic.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRule(ctx, s.db, rule.ID)
	switch {
	case err == nil:
		if existing.SameContent(rule) {
			return nil
		}
		return fmt.Errorf("%w: rule %s already exists with different content", generic.ErrInvalidRule, rule.ID)
	case !errors.Is(err, generic.ErrRuleNotFound):
		return err
	}

	var effectiveTo any
	if rule.EffectiveTo != nil {
		effectiveTo = rule.EffectiveTo.Time.Format(dayLayout)
	}
	payload := string(rule.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.Name, rule.Kind, rule.Scope, rule.Version,
		rule.EffectiveFrom.Time.Format(dayLayout), effectiveTo, rule.IsActive,
		payload, formatTS(rule.CreatedAt), rule.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id generic.RuleID) (generic.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRule(ctx, s.db, id)
}

func (s *Store) getRule(ctx context.Context, q queryer, id generic.RuleID) (generic.Rule, error) {
	rules, err := queryRules(ctx, q, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	if err != nil {
		return generic.Rule{}, err
	}
	if len(rules) == 0 {
		return generic.Rule{}, fmt.Errorf("%w: %s", generic.ErrRuleNotFound, id)
	}
	return rules[0], nil
}

func (s *Store) SetRuleActive(ctx context.Context, id generic.RuleID, active bool) (generic.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.getRule(ctx, s.db, id)
	if err != nil {
		return generic.Rule{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE rules SET is_active = ? WHERE id = ?`, active, id); err != nil {
		return generic.Rule{}, fmt.Errorf("failed to update rule: %w", err)
	}
	return before, nil
}

func (s *Store) ListRules(ctx context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE 1=1`
	var args []any
	if filter.Kind != nil {
		query += ` AND kind = ?`
		args = append(args, *filter.Kind)
	}
	if filter.Scope != nil {
		query += ` AND scope = ?`
		args = append(args, *filter.Scope)
	}
	query += ` ORDER BY kind, scope, version, id`
	return queryRules(ctx, s.db, query, args...)
}

func (s *Store) ActiveRules(ctx context.Context, kind generic.RuleKind, at generic.TimePoint) ([]generic.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := at.Time.Format(dayLayout)
	return queryRules(ctx, s.db, `
		SELECT `+ruleColumns+` FROM rules
		WHERE kind = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to >= ?)
		  AND is_active = 1
		ORDER BY kind, scope, version, id
	`, kind, day, day)
}

func queryRules(ctx context.Context, q queryer, query string, args ...any) ([]generic.Rule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []generic.Rule
	for rows.Next() {
		var (
			r                      generic.Rule
			from, payload, created string
			to                     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.Scope, &r.Version, &from, &to,
			&r.IsActive, &payload, &created, &r.CreatedBy); err != nil {
			return nil, err
		}
		if r.EffectiveFrom, err = generic.ParseDay(from); err != nil {
			return nil, err
		}
		if to.Valid {
			tp, err := generic.ParseDay(to.String)
			if err != nil {
				return nil, err
			}
			r.EffectiveTo = &tp
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = parseTS(created)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// PERFORMANCE RECORDS
// =============================================================================

const performanceColumns = `user_id, store_id, granularity, period_start, seq, location_json, inputs_json,
	components_json, total_reward, spin_eligible, daily_target_tier, applied_slabs_json, created_at, updated_at`

func (s *Store) UpsertPerformance(ctx context.Context, rec generic.PerformanceRecord) (generic.PerformanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	location, err := json.Marshal(rec.Location)
	if err != nil {
		return generic.PerformanceRecord{}, err
	}
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return generic.PerformanceRecord{}, err
	}
	components, err := json.Marshal(nonNil(rec.Components))
	if err != nil {
		return generic.PerformanceRecord{}, err
	}
	var tier any
	if rec.DailyTargetTier != nil {
		tier = *rec.DailyTargetTier
	}

	// seq, created_at and applied_slabs_json survive the upsert
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO performance_records (`+performanceColumns+`)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM performance_records),
			?, ?, ?, ?, ?, ?, '[]', ?, ?)
		ON CONFLICT(user_id, store_id, granularity, period_start) DO UPDATE SET
			location_json = excluded.location_json,
			inputs_json = excluded.inputs_json,
			components_json = excluded.components_json,
			total_reward = excluded.total_reward,
			spin_eligible = excluded.spin_eligible,
			daily_target_tier = excluded.daily_target_tier,
			updated_at = excluded.updated_at
	`, rec.UserID, rec.StoreID, rec.Granularity, rec.PeriodStart.Time.Format(dayLayout),
		string(location), string(inputs), string(components), rec.TotalReward.String(),
		rec.SpinEligible, tier, formatTS(rec.CreatedAt), formatTS(rec.UpdatedAt))
	if err != nil {
		return generic.PerformanceRecord{}, fmt.Errorf("failed to upsert performance record: %w", err)
	}

	stored, err := getPerformance(ctx, s.db, rec.Key())
	if err != nil {
		return generic.PerformanceRecord{}, err
	}
	return *stored, nil
}

func (s *Store) GetPerformance(ctx context.Context, key generic.PerformanceKey) (*generic.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPerformance(ctx, s.db, key)
}

func getPerformance(ctx context.Context, q queryer, key generic.PerformanceKey) (*generic.PerformanceRecord, error) {
	recs, err := queryPerformance(ctx, q, `
		SELECT `+performanceColumns+` FROM performance_records
		WHERE user_id = ? AND store_id = ? AND granularity = ? AND period_start = ?
	`, key.UserID, key.StoreID, key.Granularity, key.PeriodStart.Time.Format(dayLayout))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *Store) ListPerformance(ctx context.Context, filter generic.PerformanceFilter) ([]generic.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + performanceColumns + ` FROM performance_records WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.StoreID != "" {
		query += ` AND store_id = ?`
		args = append(args, filter.StoreID)
	}
	if filter.Granularity != "" {
		query += ` AND granularity = ?`
		args = append(args, filter.Granularity)
	}
	if !filter.From.IsZero() {
		query += ` AND period_start >= ?`
		args = append(args, filter.From.Time.Format(dayLayout))
	}
	if !filter.To.IsZero() {
		query += ` AND period_start <= ?`
		args = append(args, filter.To.Time.Format(dayLayout))
	}
	query += ` ORDER BY period_start, seq`
	return queryPerformance(ctx, s.db, query, args...)
}

func (s *Store) AppendAppliedSlab(ctx context.Context, key generic.PerformanceKey, slab generic.AppliedSlab) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getPerformance(ctx, tx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, generic.ErrMonthlyPerformanceNotFound
	}
	if n := len(rec.AppliedSlabs); n > 0 {
		last := rec.AppliedSlabs[n-1]
		if last.RuleID == slab.RuleID && last.SlabIndex == slab.SlabIndex && last.NetIncentive.Equal(slab.NetIncentive) {
			return false, nil
		}
	}
	slabs, err := json.Marshal(append(rec.AppliedSlabs, slab))
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE performance_records SET applied_slabs_json = ?
		WHERE user_id = ? AND store_id = ? AND granularity = ? AND period_start = ?
	`, string(slabs), key.UserID, key.StoreID, key.Granularity, key.PeriodStart.Time.Format(dayLayout))
	if err != nil {
		return false, fmt.Errorf("failed to append applied slab: %w", err)
	}
	return true, tx.Commit()
}

func queryPerformance(ctx context.Context, q queryer, query string, args ...any) ([]generic.PerformanceRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance records: %w", err)
	}
	defer rows.Close()

	var recs []generic.PerformanceRecord
	for rows.Next() {
		var (
			r                                         generic.PerformanceRecord
			periodStart, location, inputs, components string
			total, slabs, created, updated            string
			tier                                      sql.NullInt64
		)
		if err := rows.Scan(&r.UserID, &r.StoreID, &r.Granularity, &periodStart, &r.Seq,
			&location, &inputs, &components, &total, &r.SpinEligible, &tier, &slabs,
			&created, &updated); err != nil {
			return nil, err
		}
		if r.PeriodStart, err = generic.ParseDay(periodStart); err != nil {
			return nil, err
		}
		if err := unmarshalAll(
			[]string{location, inputs, components, slabs},
			[]any{&r.Location, &r.Inputs, &r.Components, &r.AppliedSlabs},
		); err != nil {
			return nil, fmt.Errorf("performance record %s/%s/%s: %w", r.UserID, r.StoreID, periodStart, err)
		}
		if r.TotalReward, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if tier.Valid {
			t := int(tier.Int64)
			r.DailyTargetTier = &t
		}
		if len(r.AppliedSlabs) == 0 {
			r.AppliedSlabs = nil
		}
		r.CreatedAt = parseTS(created)
		r.UpdatedAt = parseTS(updated)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, idempotency_key, revision, user_id, store_id, period, period_key, amount_value, amount_unit,
	breakdown_json, source_rule_ids_json, status, status_reason, superseded_by, created_at, updated_at`

func (s *Store) InsertPayoutIfAbsent(ctx context.Context, p generic.Payout) (generic.Payout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Payout{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := queryPayouts(ctx, tx, `SELECT `+payoutColumns+` FROM payouts WHERE idempotency_key = ?`, p.IdempotencyKey)
	if err != nil {
		return generic.Payout{}, false, err
	}
	if len(existing) > 0 {
		return existing[0], false, nil
	}
	if err := insertPayout(ctx, tx, p); err != nil {
		return generic.Payout{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return generic.Payout{}, false, fmt.Errorf("failed to commit payout: %w", err)
	}
	return p, true, nil
}

func insertPayout(ctx context.Context, q queryer, p generic.Payout) error {
	breakdown, err := json.Marshal(nonNil(p.Breakdown))
	if err != nil {
		return err
	}
	ruleIDs, err := json.Marshal(nonNil(p.SourceRuleIDs))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.IdempotencyKey, p.Revision, p.UserID, p.StoreID, p.Period, p.PeriodKey,
		p.Amount.Value.String(), p.Amount.Unit, string(breakdown), string(ruleIDs),
		p.Status, p.StatusReason, p.SupersededBy, formatTS(p.CreatedAt), formatTS(p.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, id generic.PayoutID) (generic.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayout(ctx, s.db, id)
}

func getPayout(ctx context.Context, q queryer, id generic.PayoutID) (generic.Payout, error) {
	payouts, err := queryPayouts(ctx, q, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	if err != nil {
		return generic.Payout{}, err
	}
	if len(payouts) == 0 {
		return generic.Payout{}, fmt.Errorf("%w: %s", generic.ErrPayoutNotFound, id)
	}
	return payouts[0], nil
}

func (s *Store) SupersedePayout(ctx context.Context, oldID generic.PayoutID, next generic.Payout, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payouts SET status = ?, status_reason = ?, superseded_by = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, generic.PayoutVoid, "superseded by recalculation", next.ID, formatTS(at), oldID, generic.PayoutDue)
	if err != nil {
		return fmt.Errorf("failed to supersede payout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		old, err := getPayout(ctx, tx, oldID)
		if err != nil {
			return err
		}
		return &generic.InvalidTransitionError{PayoutID: oldID, From: old.Status, To: generic.PayoutVoid}
	}
	if err := insertPayout(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdatePayoutStatus(ctx context.Context, id generic.PayoutID, from, to generic.PayoutStatus, reason string, at time.Time) (generic.Payout, generic.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Payout{}, generic.Payout{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := getPayout(ctx, tx, id)
	if err != nil {
		return generic.Payout{}, generic.Payout{}, err
	}
	if before.Status != from {
		return generic.Payout{}, generic.Payout{}, &generic.InvalidTransitionError{PayoutID: id, From: before.Status, To: to}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payouts SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, reason, formatTS(at), id, from)
	if err != nil {
		return generic.Payout{}, generic.Payout{}, fmt.Errorf("failed to update payout status: %w", err)
	}
	after, err := getPayout(ctx, tx, id)
	if err != nil {
		return generic.Payout{}, generic.Payout{}, err
	}
	return before, after, tx.Commit()
}

func (s *Store) ListPayouts(ctx context.Context, userID generic.UserID, filter generic.PayoutFilter) ([]generic.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE user_id = ?`
	args := []any{userID}
	if filter.Period != "" {
		query += ` AND period = ?`
		args = append(args, filter.Period)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.PeriodKeyPrefix != "" {
		query += ` AND substr(period_key, 1, ?) = ?`
		args = append(args, len(filter.PeriodKeyPrefix), filter.PeriodKeyPrefix)
	}
	query += ` ORDER BY created_at, idempotency_key`
	return queryPayouts(ctx, s.db, query, args...)
}

func queryPayouts(ctx context.Context, q queryer, query string, args ...any) ([]generic.Payout, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []generic.Payout
	for rows.Next() {
		var (
			p                         generic.Payout
			value, breakdown, ruleIDs string
			created, updated          string
		)
		if err := rows.Scan(&p.ID, &p.IdempotencyKey, &p.Revision, &p.UserID, &p.StoreID, &p.Period,
			&p.PeriodKey, &value, &p.Amount.Unit, &breakdown, &ruleIDs, &p.Status, &p.StatusReason,
			&p.SupersededBy, &created, &updated); err != nil {
			return nil, err
		}
		if p.Amount.Value, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		if err := unmarshalAll([]string{breakdown, ruleIDs}, []any{&p.Breakdown, &p.SourceRuleIDs}); err != nil {
			return nil, fmt.Errorf("payout %s: %w", p.ID, err)
		}
		p.CreatedAt = parseTS(created)
		p.UpdatedAt = parseTS(updated)
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// =============================================================================
// SPINS
// =============================================================================

const spinColumns = `id, user_id, rule_id, at, reason, reward_type, value, label`

func (s *Store) CountSpins(ctx context.Context, userID generic.UserID, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countSpins(ctx, s.db, userID, from, to)
}

func countSpins(ctx context.Context, q queryer, userID generic.UserID, from, to time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM spin_records WHERE user_id = ? AND at >= ? AND at < ?
	`, userID, formatTS(from), formatTS(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count spins: %w", err)
	}
	return n, nil
}

func (s *Store) InsertSpinWithinCaps(ctx context.Context, rec generic.SpinRecord, dailyCap, monthlyCap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dayFrom, dayTo, monthFrom, monthTo := generic.SpinWindows(rec.At)
	if dailyCap > 0 {
		used, err := countSpins(ctx, tx, rec.UserID, dayFrom, dayTo)
		if err != nil {
			return err
		}
		if used >= dailyCap {
			return &generic.SpinCapExceededError{Window: generic.SpinWindowDay, Cap: dailyCap, Used: used}
		}
	}
	if monthlyCap > 0 {
		used, err := countSpins(ctx, tx, rec.UserID, monthFrom, monthTo)
		if err != nil {
			return err
		}
		if used >= monthlyCap {
			return &generic.SpinCapExceededError{Window: generic.SpinWindowMonth, Cap: monthlyCap, Used: used}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO spin_records (`+spinColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.RuleID, formatTS(rec.At), rec.Reason, rec.RewardType, rec.Value.String(), rec.Label)
	if err != nil {
		return fmt.Errorf("failed to insert spin: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListSpins(ctx context.Context, userID generic.UserID, from, to time.Time) ([]generic.SpinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spinColumns+` FROM spin_records
		WHERE user_id = ? AND at >= ? AND at < ?
		ORDER BY at
	`, userID, formatTS(from), formatTS(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query spins: %w", err)
	}
	defer rows.Close()

	var spins []generic.SpinRecord
	for rows.Next() {
		var (
			r         generic.SpinRecord
			at, value string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.RuleID, &at, &r.Reason, &r.RewardType, &value, &r.Label); err != nil {
			return nil, err
		}
		r.At = parseTS(at)
		if r.Value, err = decimal.NewFromString(value); err != nil {
			return nil, err
		}
		spins = append(spins, r)
	}
	return spins, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor, action, entity_type, entity_id, before_json, after_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTS(e.Timestamp), e.Actor, e.Action, e.EntityType, e.EntityID,
		nullableJSON(e.Before), nullableJSON(e.After), e.Error)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, actor, action, entity_type, entity_id, before_json, after_json, error FROM audit_log WHERE 1=1`
	var args []any
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if len(filter.Actions) > 0 {
		query += ` AND action IN (?` + strings.Repeat(", ?", len(filter.Actions)-1) + `)`
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	if filter.From != nil {
		query += ` AND timestamp >= ?`
		args = append(args, formatTS(*filter.From))
	}
	if filter.To != nil {
		query += ` AND timestamp <= ?`
		args = append(args, formatTS(*filter.To))
	}
	query += ` ORDER BY timestamp, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			e             generic.AuditEntry
			ts            string
			before, after sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &before, &after, &e.Error); err != nil {
			return nil, err
		}
		e.Timestamp = parseTS(ts)
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// BATCH RUNS
// =============================================================================

const batchColumns = `id, kind, period_key, status, started_at, completed_at, units, succeeded, skipped, failed, error`

func (s *Store) SaveBatchRun(ctx context.Context, run generic.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completed any
	if run.CompletedAt != nil {
		completed = formatTS(*run.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			units = excluded.units,
			succeeded = excluded.succeeded,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error
	`, run.ID, run.Kind, run.PeriodKey, run.Status, formatTS(run.StartedAt), completed,
		run.Units, run.Succeeded, run.Skipped, run.Failed, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save batch run: %w", err)
	}
	return nil
}

func (s *Store) LastBatchRun(ctx context.Context, kind generic.PeriodKind, periodKey string) (*generic.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryBatchRuns(ctx, `
		SELECT `+batchColumns+` FROM batch_runs
		WHERE kind = ? AND period_key = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, kind, periodKey)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *Store) ListBatchRuns(ctx context.Context, limit int) ([]generic.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	return s.queryBatchRuns(ctx, `
		SELECT `+batchColumns+` FROM batch_runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
}

func (s *Store) queryBatchRuns(ctx context.Context, query string, args ...any) ([]generic.BatchRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch runs: %w", err)
	}
	defer rows.Close()

	var runs []generic.BatchRun
	for rows.Next() {
		var (
			r         generic.BatchRun
			started   string
			completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.PeriodKey, &r.Status, &started, &completed,
			&r.Units, &r.Succeeded, &r.Skipped, &r.Failed, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTS(started)
		if completed.Valid {
			t := parseTS(completed.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func unmarshalAll(data []string, dst []any) error {
	for i := range data {
		if data[i] == "" {
			continue
		}
		if err := json.Unmarshal([]byte(data[i]), dst[i]); err != nil {
			return err
		}
	}
	return nil
}

// nonNil keeps JSON columns as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
