/*
errors.go - Centralized error types for the incentive engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Configuration errors - No active rule, overlapping rule windows,
     malformed rule payloads
  2. Precondition errors - Below minimum activity, spin caps, spin not
     unlocked, missing monthly aggregate
  3. Ledger errors - Invalid status transitions, settled payouts

ABSENCE IS NOT FAILURE:
  ErrNoActiveRule is an expected business state (a vertical that never
  configured a spin wheel). Callers decide whether the rule was optional
  (degrade to zero) or mandatory (abort the unit).

USAGE:
  if errors.Is(err, generic.ErrRuleConflict) {
      // data integrity defect: alert, never pick one
  }

SEE ALSO:
  - rewards/resolver.go: Produces NoActiveRuleError and RuleConflictError
  - ledger.go: Produces InvalidTransitionError
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoActiveRule is returned when no rule version of a kind/scope is
	// active at the requested instant.
	ErrNoActiveRule = errors.New("no active rule")

	// ErrRuleConflict is returned when more than one rule version of a
	// kind/scope is active at the same instant.
	ErrRuleConflict = errors.New("rule conflict: overlapping active windows")

	// ErrInvalidRule is returned when a rule payload fails authoring-time
	// validation, or an existing rule version is re-saved with new content.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidInput is returned when raw performance inputs or request
	// arguments fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRuleNotFound is returned when a referenced rule id doesn't exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrBelowMinimumActivity is returned when a day's paid bills are under
	// the configured minimum. Nothing is computed or written.
	ErrBelowMinimumActivity = errors.New("below minimum activity")

	// ErrMonthlyPerformanceNotFound is returned when a monthly calculation
	// has no monthly aggregate to work from.
	ErrMonthlyPerformanceNotFound = errors.New("monthly performance not found")

	// ErrSpinCapExceeded is returned when a daily or monthly spin cap is used up.
	ErrSpinCapExceeded = errors.New("spin cap exceeded")

	// ErrSpinNotUnlocked is returned when a spin is requested for an unlock
	// reason the user has not met.
	ErrSpinNotUnlocked = errors.New("spin not unlocked")

	// ErrInvalidTransition is returned for payout status misuse.
	ErrInvalidTransition = errors.New("invalid payout status transition")

	// ErrPayoutNotFound is returned when a referenced payout doesn't exist.
	ErrPayoutNotFound = errors.New("payout not found")

	// ErrPayoutSettled is returned when a recalculation disagrees with a
	// payout that has already been paid.
	ErrPayoutSettled = errors.New("payout already settled")

	// ErrDuplicateIdempotencyKey is returned by stores when an insert hits
	// an existing idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type NoActiveRuleError struct {
	Kind  string
	Scope string
	At    TimePoint
}

func (e *NoActiveRuleError) Error() string {
	return fmt.Sprintf("no active %s rule for scope %q at %s", e.Kind, e.Scope, e.At)
}

func (e *NoActiveRuleError) Unwrap() error { return ErrNoActiveRule }

type RuleConflictError struct {
	Kind    string
	Scope   string
	At      TimePoint
	RuleIDs []RuleID
}

func (e *RuleConflictError) Error() string {
	ids := make([]string, len(e.RuleIDs))
	for i, id := range e.RuleIDs {
		ids[i] = string(id)
	}
	return fmt.Sprintf("rule conflict: %d active %s rules for scope %q at %s (%s)",
		len(e.RuleIDs), e.Kind, e.Scope, e.At, strings.Join(ids, ", "))
}

func (e *RuleConflictError) Unwrap() error { return ErrRuleConflict }

type BelowMinimumActivityError struct {
	PaidBills int64
	Minimum   int64
}

func (e *BelowMinimumActivityError) Error() string {
	return fmt.Sprintf("below minimum activity: %d paid bills, minimum %d", e.PaidBills, e.Minimum)
}

func (e *BelowMinimumActivityError) Unwrap() error { return ErrBelowMinimumActivity }

type SpinWindow string

const (
	SpinWindowDay   SpinWindow = "day"
	SpinWindowMonth SpinWindow = "month"
)

type SpinCapExceededError struct {
	Window SpinWindow
	Cap    int
	Used   int
}

func (e *SpinCapExceededError) Error() string {
	return fmt.Sprintf("spin cap exceeded: %d of %d spins used this %s", e.Used, e.Cap, e.Window)
}

func (e *SpinCapExceededError) Unwrap() error { return ErrSpinCapExceeded }

type InvalidTransitionError struct {
	PayoutID PayoutID
	From     PayoutStatus
	To       PayoutStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payout %s: cannot move from %s to %s", e.PayoutID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// CalculationError wraps a write-path failure with the unit it belongs to,
// so operators can reconstruct why no reward was paid.
type CalculationError struct {
	Operation string
	UserID    UserID
	PeriodKey string
	RuleID    RuleID
	Err       error
}

func (e *CalculationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s user=%s period=%s", e.Operation, e.UserID, e.PeriodKey)
	if e.RuleID != "" {
		fmt.Fprintf(&b, " rule=%s", e.RuleID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *CalculationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input or
// an unmet business precondition.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBelowMinimumActivity) ||
		errors.Is(err, ErrSpinCapExceeded) ||
		errors.Is(err, ErrSpinNotUnlocked) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record or rule.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPayoutNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrMonthlyPerformanceNotFound) ||
		errors.Is(err, ErrNoActiveRule)
}

// IsConfigurationError returns true for rule data defects operators must fix.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrRuleConflict) || errors.Is(err, ErrPayoutSettled)
}
