/*
resolver.go - Active rule lookup with a bounded, time-scoped cache

PURPOSE:
  Every calculation starts by asking "which version of this program was
  in force on that day?". RuleResolver answers it from the RuleStore and
  remembers the answer for a while, since a daily batch asks the same
  question once per user.

RESOLUTION:
  Active(kind, scope, at):
    0 candidates -> *NoActiveRuleError (expected state, not a failure)
    1 candidate  -> the rule
    2+           -> *RuleConflictError, logged at ERROR and audited.
                    Never resolved by picking one.

CACHE:
  expirable LRU keyed by (kind, scope, day). Entries expire after the
  configured TTL and the whole cache is purged on any rule write made
  through the resolver. Conflicts are not cached, so an operator fix is
  visible on the next call.

SEE ALSO:
  - generic/rule.go: The active predicate
*/
package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/logger"
)

const (
	DefaultRuleCacheSize = 256
	DefaultRuleCacheTTL  = 5 * time.Minute
)

// allScopes is the cache scope of ActiveByKind lookups.
const allScopes = "*"

type ruleCacheKey struct {
	Kind  generic.RuleKind
	Scope string
	Day   string
}

// RuleStoreWithAudit is what the resolver persists to.
type RuleStoreWithAudit interface {
	generic.RuleStore
	generic.AuditLog
}

type RuleResolver struct {
	store RuleStoreWithAudit
	cache *expirable.LRU[ruleCacheKey, []generic.Rule]
	clock generic.Clock
	log   *logger.Logger
}

func NewRuleResolver(store RuleStoreWithAudit, cacheSize int, ttl time.Duration, clock generic.Clock, log *logger.Logger) *RuleResolver {
	if cacheSize <= 0 {
		cacheSize = DefaultRuleCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RuleResolver{
		store: store,
		cache: expirable.NewLRU[ruleCacheKey, []generic.Rule](cacheSize, nil, ttl),
		clock: clock,
		log:   log,
	}
}

// Active returns the single rule of kind/scope active on day at.
func (r *RuleResolver) Active(ctx context.Context, kind generic.RuleKind, scope string, at generic.TimePoint) (generic.Rule, error) {
	key := ruleCacheKey{Kind: kind, Scope: scope, Day: at.String()}
	if cached, ok := r.cache.Get(key); ok {
		if len(cached) == 0 {
			return generic.Rule{}, &generic.NoActiveRuleError{Kind: string(kind), Scope: scope, At: at}
		}
		return cached[0], nil
	}

	all, err := r.store.ActiveRules(ctx, kind, at)
	if err != nil {
		return generic.Rule{}, fmt.Errorf("load active %s rules: %w", kind, err)
	}
	var candidates []generic.Rule
	for _, rule := range all {
		if rule.Scope == scope {
			candidates = append(candidates, rule)
		}
	}

	switch len(candidates) {
	case 0:
		r.cache.Add(key, nil)
		return generic.Rule{}, &generic.NoActiveRuleError{Kind: string(kind), Scope: scope, At: at}
	case 1:
		r.cache.Add(key, candidates)
		return candidates[0], nil
	default:
		return generic.Rule{}, r.conflict(ctx, kind, scope, at, candidates)
	}
}

// ActiveByKind returns one active rule per scope for kind on day at.
// A conflict in any scope fails the whole lookup.
func (r *RuleResolver) ActiveByKind(ctx context.Context, kind generic.RuleKind, at generic.TimePoint) ([]generic.Rule, error) {
	key := ruleCacheKey{Kind: kind, Scope: allScopes, Day: at.String()}
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	all, err := r.store.ActiveRules(ctx, kind, at)
	if err != nil {
		return nil, fmt.Errorf("load active %s rules: %w", kind, err)
	}
	byScope := make(map[string][]generic.Rule)
	var order []string
	for _, rule := range all {
		if _, seen := byScope[rule.Scope]; !seen {
			order = append(order, rule.Scope)
		}
		byScope[rule.Scope] = append(byScope[rule.Scope], rule)
	}
	out := make([]generic.Rule, 0, len(order))
	for _, scope := range order {
		if rules := byScope[scope]; len(rules) > 1 {
			return nil, r.conflict(ctx, kind, scope, at, rules)
		}
		out = append(out, byScope[scope][0])
	}
	r.cache.Add(key, out)
	return out, nil
}

func (r *RuleResolver) conflict(ctx context.Context, kind generic.RuleKind, scope string, at generic.TimePoint, rules []generic.Rule) error {
	ids := make([]generic.RuleID, len(rules))
	for i, rule := range rules {
		ids[i] = rule.ID
	}
	cerr := &generic.RuleConflictError{Kind: string(kind), Scope: scope, At: at, RuleIDs: ids}
	r.log.Error("rule conflict: overlapping active windows",
		"kind", kind, "scope", scope, "at", at.String(), "rule_ids", ids)

	entry := generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  r.clock.Now(),
		Actor:      "engine",
		Action:     generic.AuditRuleConflict,
		EntityType: "rule",
		EntityID:   string(kind) + "/" + scope,
		After:      generic.Snapshot(ids),
		Error:      cerr.Error(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.Warn("failed to audit rule conflict", "kind", kind, "error", err)
	}
	return cerr
}

// =============================================================================
// WRITES - Go through the resolver so the cache stays honest
// =============================================================================

// Save validates and appends a rule version.
func (r *RuleResolver) Save(ctx context.Context, rule generic.Rule, actor string) (generic.Rule, error) {
	if !IsKnownKind(rule.Kind) {
		return generic.Rule{}, fmt.Errorf("%w: unknown rule kind %q", generic.ErrInvalidRule, rule.Kind)
	}
	if rule.ID == "" {
		return generic.Rule{}, fmt.Errorf("%w: rule id is required", generic.ErrInvalidRule)
	}
	if rule.EffectiveFrom.IsZero() {
		return generic.Rule{}, fmt.Errorf("%w: rule %s has no effective_from", generic.ErrInvalidRule, rule.ID)
	}
	if rule.EffectiveTo != nil && rule.EffectiveTo.Before(rule.EffectiveFrom) {
		return generic.Rule{}, fmt.Errorf("%w: rule %s ends before it starts", generic.ErrInvalidRule, rule.ID)
	}
	if err := ValidatePayload(rule.Kind, rule.Payload); err != nil {
		return generic.Rule{}, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = r.clock.Now()
	}
	if rule.CreatedBy == "" {
		rule.CreatedBy = actor
	}

	if err := r.store.SaveRule(ctx, rule); err != nil {
		return generic.Rule{}, err
	}
	r.cache.Purge()

	r.audit(ctx, actor, generic.AuditRuleCreated, rule.ID, nil, rule)
	r.log.Info("rule saved", "rule_id", rule.ID, "kind", rule.Kind, "scope", rule.Scope,
		"effective_from", rule.EffectiveFrom.String())
	return rule, nil
}

// SetActive soft-disables or re-enables a rule version.
func (r *RuleResolver) SetActive(ctx context.Context, id generic.RuleID, active bool, actor string) (generic.Rule, error) {
	before, err := r.store.SetRuleActive(ctx, id, active)
	if err != nil {
		return generic.Rule{}, err
	}
	r.cache.Purge()

	after := before
	after.IsActive = active
	r.audit(ctx, actor, generic.AuditRuleActiveChanged, id, before, after)
	return after, nil
}

func (r *RuleResolver) List(ctx context.Context, filter generic.RuleFilter) ([]generic.Rule, error) {
	return r.store.ListRules(ctx, filter)
}

func (r *RuleResolver) Get(ctx context.Context, id generic.RuleID) (generic.Rule, error) {
	return r.store.GetRule(ctx, id)
}

func (r *RuleResolver) audit(ctx context.Context, actor string, action generic.AuditAction, id generic.RuleID, before, after any) {
	if actor == "" {
		actor = "engine"
	}
	entry := generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  r.clock.Now(),
		Actor:      actor,
		Action:     action,
		EntityType: "rule",
		EntityID:   string(id),
		After:      generic.Snapshot(after),
	}
	if before != nil {
		entry.Before = generic.Snapshot(before)
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.Warn("failed to audit rule change", "rule_id", id, "action", action, "error", err)
	}
}
