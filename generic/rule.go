/*
rule.go - Effective-dated rule versions

PURPOSE:
  Every incentive program (a monthly slab table, a spin wheel, a daily
  customer target) is configured as a Rule. Rules are versioned and
  time-scoped: changing a program means appending a new version with a
  new effective window, never editing the old one. A calculation for a
  past date therefore always sees the rule that was in force that day.

KEY CONCEPTS:
  - Kind: Which program the rule configures (see rewards/kinds.go)
  - Scope: Narrows a kind ("CUSTOMER_COUNT", a product line). Empty = global
  - Window: [EffectiveFrom, EffectiveTo], both inclusive, day granularity.
    A nil EffectiveTo is open-ended.
  - IsActive: Soft-disable switch. The only mutation a rule ever sees.
  - Payload: Kind-specific JSON, decoded by the rewards package

ACTIVE PREDICATE:
  effective_from <= t AND (effective_to IS NULL OR effective_to >= t)
  AND is_active

  Exactly one candidate per (kind, scope) is expected. More than one is a
  data integrity defect (RuleConflictError), never resolved by picking.

SEE ALSO:
  - rewards/resolver.go: Cached lookup of the active version
  - factory/rule.go: Authoring and validation of rule payloads
*/
package generic

import (
	"bytes"
	"encoding/json"
	"time"
)

// RuleKind names an incentive program type. Values live in the rewards package.
type RuleKind string

type Rule struct {
	ID            RuleID          `json:"id"`
	Name          string          `json:"name"`
	Kind          RuleKind        `json:"kind"`
	Scope         string          `json:"scope,omitempty"`
	Version       int             `json:"version"`
	EffectiveFrom TimePoint       `json:"effective_from"`
	EffectiveTo   *TimePoint      `json:"effective_to,omitempty"`
	IsActive      bool            `json:"is_active"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

// IsActiveAt applies the active predicate at a calendar day.
func (r Rule) IsActiveAt(at TimePoint) bool {
	if !r.IsActive {
		return false
	}
	if at.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || at.BeforeOrEqual(*r.EffectiveTo)
}

// SameContent reports whether two versions carry the same definition.
// Re-saving an identical version is a no-op; anything else is an edit.
func (r Rule) SameContent(o Rule) bool {
	if r.ID != o.ID || r.Kind != o.Kind || r.Scope != o.Scope || r.Version != o.Version || r.Name != o.Name {
		return false
	}
	if !r.EffectiveFrom.Equal(o.EffectiveFrom) {
		return false
	}
	if (r.EffectiveTo == nil) != (o.EffectiveTo == nil) {
		return false
	}
	if r.EffectiveTo != nil && !r.EffectiveTo.Equal(*o.EffectiveTo) {
		return false
	}
	return jsonEqual(r.Payload, o.Payload)
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
