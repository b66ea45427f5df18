/*
Package factory converts authored rule definitions into generic.Rule.

PURPOSE:
  Incentive programs are configured by operations staff, not developers.
  The factory accepts a rule as JSON (admin API) or a list of rules as a
  YAML seed file (deployment), checks it, and produces the generic.Rule
  the engine stores.

JSON SCHEMA:
  {
    "id": "dt-2025-03",
    "name": "Footfall targets",
    "kind": "daily-target",
    "scope": "CUSTOMER_COUNT",
    "effective_from": "2025-03-01",
    "effective_to": "2025-12-31",
    "payload": {
      "store_types": [
        {"store_type": "MALL", "tiers": [
          {"min": "10", "max": "20", "reward": "100"},
          {"min": "20", "reward": "250"}
        ]}
      ]
    }
  }

YAML SEED FILE:
  rules:
    - id: ms-2025
      kind: monthly-slab
      effective_from: "2025-01-01"
      payload:
        slabs:
          - {min_sales: 0, max_sales: 100000, incentive: 2000}
          - {min_sales: 100000, incentive: 5000, salary_adjustment: 1500}

  YAML payloads are re-encoded as JSON, so both formats go through the
  same payload validation.

VALIDATION:
  - id, kind and effective_from are required (validator tags)
  - dates are calendar days, effective_to not before effective_from
  - the payload must satisfy rewards.ValidatePayload for its kind
  - is_active defaults to true

SEE ALSO:
  - rewards/kinds.go: Payload types per kind
  - rewards/resolver.go: Saving rules (append-only versions)
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/rewards"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// RuleJSON is the authored representation of a rule version.
type RuleJSON struct {
	ID            string          `json:"id" validate:"required"`
	Name          string          `json:"name"`
	Kind          string          `json:"kind" validate:"required"`
	Scope         string          `json:"scope,omitempty"`
	Version       int             `json:"version,omitempty" validate:"gte=0"`
	EffectiveFrom string          `json:"effective_from" validate:"required"`
	EffectiveTo   string          `json:"effective_to,omitempty"`
	IsActive      *bool           `json:"is_active,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

// ruleYAML mirrors RuleJSON with a free-form payload.
type ruleYAML struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Kind          string         `yaml:"kind"`
	Scope         string         `yaml:"scope"`
	Version       int            `yaml:"version"`
	EffectiveFrom string         `yaml:"effective_from"`
	EffectiveTo   string         `yaml:"effective_to"`
	IsActive      *bool          `yaml:"is_active"`
	Payload       map[string]any `yaml:"payload"`
	CreatedBy     string         `yaml:"created_by"`
}

type seedFile struct {
	Rules []ruleYAML `yaml:"rules"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts authored rules to generic.Rule.
type RuleFactory struct {
	validate *validator.Validate
}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ParseRule parses one JSON rule.
func (f *RuleFactory) ParseRule(data []byte) (generic.Rule, error) {
	var rj RuleJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rj); err != nil {
		return generic.Rule{}, fmt.Errorf("%w: failed to parse rule JSON: %v", generic.ErrInvalidRule, err)
	}
	return f.FromJSON(rj)
}

// FromJSON checks rj and converts it to a rule.
func (f *RuleFactory) FromJSON(rj RuleJSON) (generic.Rule, error) {
	if err := f.validate.Struct(rj); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return generic.Rule{}, fmt.Errorf("%w: %s is %s", generic.ErrInvalidRule, verrs[0].Field(), verrs[0].Tag())
		}
		return generic.Rule{}, fmt.Errorf("%w: %v", generic.ErrInvalidRule, err)
	}

	from, err := generic.ParseDay(rj.EffectiveFrom)
	if err != nil {
		return generic.Rule{}, fmt.Errorf("%w: rule %s effective_from: %v", generic.ErrInvalidRule, rj.ID, err)
	}
	rule := generic.Rule{
		ID:            generic.RuleID(rj.ID),
		Name:          rj.Name,
		Kind:          generic.RuleKind(rj.Kind),
		Scope:         rj.Scope,
		Version:       rj.Version,
		EffectiveFrom: from,
		IsActive:      rj.IsActive == nil || *rj.IsActive,
		Payload:       rj.Payload,
		CreatedBy:     rj.CreatedBy,
	}
	if rule.Name == "" {
		rule.Name = rj.ID
	}
	if rj.EffectiveTo != "" {
		to, err := generic.ParseDay(rj.EffectiveTo)
		if err != nil {
			return generic.Rule{}, fmt.Errorf("%w: rule %s effective_to: %v", generic.ErrInvalidRule, rj.ID, err)
		}
		if to.Before(from) {
			return generic.Rule{}, fmt.Errorf("%w: rule %s ends before it starts", generic.ErrInvalidRule, rj.ID)
		}
		rule.EffectiveTo = &to
	}
	if len(rule.Payload) == 0 {
		rule.Payload = json.RawMessage("{}")
	}

	if err := rewards.ValidatePayload(rule.Kind, rule.Payload); err != nil {
		return generic.Rule{}, fmt.Errorf("rule %s: %w", rj.ID, err)
	}
	return rule, nil
}

// ToJSON converts a rule back to its authored form.
func (f *RuleFactory) ToJSON(rule generic.Rule) RuleJSON {
	active := rule.IsActive
	rj := RuleJSON{
		ID:            string(rule.ID),
		Name:          rule.Name,
		Kind:          string(rule.Kind),
		Scope:         rule.Scope,
		Version:       rule.Version,
		EffectiveFrom: rule.EffectiveFrom.String(),
		IsActive:      &active,
		Payload:       rule.Payload,
		CreatedBy:     rule.CreatedBy,
	}
	if rule.EffectiveTo != nil {
		rj.EffectiveTo = rule.EffectiveTo.String()
	}
	return rj
}

// =============================================================================
// YAML SEED FILES
// =============================================================================

// LoadRulesYAML reads a seed file. Any invalid rule fails the whole file.
func (f *RuleFactory) LoadRulesYAML(r io.Reader) ([]generic.Rule, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}

	rules := make([]generic.Rule, 0, len(seed.Rules))
	for i, ry := range seed.Rules {
		payload, err := json.Marshal(ry.Payload)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): payload: %w", i, ry.ID, err)
		}
		if ry.Payload == nil {
			payload = nil
		}
		rule, err := f.FromJSON(RuleJSON{
			ID:            ry.ID,
			Name:          ry.Name,
			Kind:          ry.Kind,
			Scope:         ry.Scope,
			Version:       ry.Version,
			EffectiveFrom: ry.EffectiveFrom,
			EffectiveTo:   ry.EffectiveTo,
			IsActive:      ry.IsActive,
			Payload:       payload,
			CreatedBy:     ry.CreatedBy,
		})
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRulesFile reads a YAML seed file from disk.
func (f *RuleFactory) LoadRulesFile(path string) ([]generic.Rule, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer file.Close()
	return f.LoadRulesYAML(file)
}
