/*
dto.go - Request/response shapes for the HTTP API

PURPOSE:
  Defines the JSON bodies the API accepts and returns. Domain types that
  already carry json tags (performance records, payouts, outcomes, batch
  runs) are returned as they are; only requests and envelopes live here.

NAMING CONVENTION:
  - *Request:  Incoming request bodies
  - *Response: Outgoing response envelopes

DATES:
  Days are "2006-01-02", months are "2006-01". Decimals are JSON strings
  or numbers; both decode.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON, the wire form of a rule
*/
package api

import (
	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/rewards"
)

// =============================================================================
// PERFORMANCE
// =============================================================================

// DailyPerformanceRequest is one day of POS/CRM observations.
type DailyPerformanceRequest struct {
	UserID   string            `json:"user_id" validate:"required"`
	StoreID  string            `json:"store_id" validate:"required"`
	Date     string            `json:"date" validate:"required"`
	Location generic.Location  `json:"location"`
	Inputs   generic.RawInputs `json:"inputs"`
}

// MonthlyPerformanceRequest is an externally supplied monthly aggregate.
type MonthlyPerformanceRequest struct {
	UserID   string            `json:"user_id" validate:"required"`
	StoreID  string            `json:"store_id" validate:"required"`
	Month    string            `json:"month" validate:"required"`
	Location generic.Location  `json:"location"`
	Inputs   generic.RawInputs `json:"inputs"`
}

// =============================================================================
// INCENTIVES
// =============================================================================

type MonthlyIncentiveRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	StoreID string `json:"store_id" validate:"required"`
	Month   string `json:"month" validate:"required"`
}

// QuarterlyRequest evaluates the window of months ending before Month.
type QuarterlyRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Month  string `json:"month" validate:"required"`
}

// QuarterlyResponse has Matured false (and no outcome) when the user's
// window is not complete yet.
type QuarterlyResponse struct {
	Matured bool                      `json:"matured"`
	Outcome *rewards.QuarterlyOutcome `json:"outcome,omitempty"`
}

type SpinRequest struct {
	UserID string `json:"user_id" validate:"required"`
	// Reason defaults to the wheel's unlock condition.
	Reason string `json:"reason"`
}

// =============================================================================
// PAYOUTS
// =============================================================================

// PayoutActionRequest is the body of void/cancel/paid. Actor falls back
// to the X-Actor header.
type PayoutActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type PayoutListResponse struct {
	UserID  string           `json:"user_id"`
	Payouts []generic.Payout `json:"payouts"`
}

// =============================================================================
// RULES
// =============================================================================

type RuleActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// =============================================================================
// LEADERBOARDS / BATCH
// =============================================================================

type LeaderboardResponse struct {
	Query   rewards.LeaderboardQuery   `json:"query"`
	Entries []rewards.LeaderboardEntry `json:"entries"`
}

type BatchRequest struct {
	Month string `json:"month" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
