/*
handlers.go - HTTP API handlers for the incentive engine

PURPOSE:
  Exposes the rewards engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to rewards.Engine.

ENDPOINTS:
  Performance:
    POST   /api/performance/daily          Compute and pay one day
    POST   /api/performance/monthly        Record a monthly aggregate
    GET    /api/performance                List records (filters in query)

  Incentives:
    POST   /api/incentives/monthly         Compute a month's slab
    POST   /api/incentives/quarterly       Evaluate a rolling window
    POST   /api/spins                      Spin the wheel

  Leaderboards:
    GET    /api/leaderboards               ?scope=&metric=&period=&key=

  Payouts:
    GET    /api/users/{id}/payouts         ?period=&status=&prefix=
    GET    /api/payouts/{id}
    POST   /api/payouts/{id}/void
    POST   /api/payouts/{id}/cancel
    POST   /api/payouts/{id}/paid

  Rules:
    GET    /api/rules                      ?kind=&scope=
    POST   /api/rules                      Save a rule version (RuleJSON)
    POST   /api/rules/{id}/active          Enable/disable a version

  Batch:
    GET    /api/batch/runs                 Recent batch runs
    POST   /api/batch/monthly              Run slabs for a month
    POST   /api/batch/quarterly            Run quarterly evaluations

  Audit:
    GET    /api/audit                      ?entity_type=&entity_id=&action=

ACTOR:
  Mutations are attributed to the body's actor, else the X-Actor header,
  else "api".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body or query
  - 404: Unknown payout, rule, monthly record or no active rule
  - 409: Rule conflicts, settled payouts
  - 422: Business preconditions (minimum activity, spin caps, transitions)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Automatic batch runs
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/logger"
	"github.com/warp/incentive-engine/rewards"
)

const defaultActor = "api"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *rewards.Engine
	Rules  *factory.RuleFactory

	validate *validator.Validate
	log      *logger.Logger
}

// NewHandler creates a new handler over engine.
func NewHandler(engine *rewards.Engine, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Engine:   engine,
		Rules:    factory.NewRuleFactory(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// =============================================================================
// PERFORMANCE
// =============================================================================

func (h *Handler) PostDailyPerformance(w http.ResponseWriter, r *http.Request) {
	var req DailyPerformanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	day, err := generic.ParseDay(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	rec, err := h.Engine.ComputeDaily(r.Context(), rewards.DailyInput{
		UserID:   generic.UserID(req.UserID),
		StoreID:  generic.StoreID(req.StoreID),
		Date:     day,
		Location: req.Location,
		Inputs:   req.Inputs,
	})
	if err != nil {
		h.writeEngineError(w, "Daily calculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) PostMonthlyPerformance(w http.ResponseWriter, r *http.Request) {
	var req MonthlyPerformanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	ym, err := generic.ParseYearMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	rec, err := h.Engine.RecordMonthly(r.Context(), rewards.MonthlyInput{
		UserID:   generic.UserID(req.UserID),
		StoreID:  generic.StoreID(req.StoreID),
		Month:    ym,
		Location: req.Location,
		Inputs:   req.Inputs,
	})
	if err != nil {
		h.writeEngineError(w, "Recording monthly performance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) ListPerformance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.PerformanceFilter{
		UserID:      generic.UserID(q.Get("user_id")),
		StoreID:     generic.StoreID(q.Get("store_id")),
		Granularity: generic.Granularity(strings.ToUpper(q.Get("granularity"))),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if filter.From, err = generic.ParseDay(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from", err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if filter.To, err = generic.ParseDay(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to", err)
			return
		}
	}

	recs, err := h.Engine.Performance(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Listing performance failed", err)
		return
	}
	if recs == nil {
		recs = []generic.PerformanceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// =============================================================================
// INCENTIVES
// =============================================================================

func (h *Handler) PostMonthlyIncentive(w http.ResponseWriter, r *http.Request) {
	var req MonthlyIncentiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	ym, err := generic.ParseYearMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	out, err := h.Engine.ComputeMonthlySlab(r.Context(), generic.UserID(req.UserID), generic.StoreID(req.StoreID), ym)
	if err != nil {
		h.writeEngineError(w, "Monthly slab calculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) PostQuarterly(w http.ResponseWriter, r *http.Request) {
	var req QuarterlyRequest
	if !h.decode(w, r, &req) {
		return
	}
	ym, err := generic.ParseYearMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	out, err := h.Engine.EvaluateQuarter(r.Context(), generic.UserID(req.UserID), ym)
	if err != nil {
		h.writeEngineError(w, "Quarterly evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, QuarterlyResponse{Matured: out != nil, Outcome: out})
}

func (h *Handler) PostSpin(w http.ResponseWriter, r *http.Request) {
	var req SpinRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.Engine.Spin(r.Context(), generic.UserID(req.UserID), req.Reason)
	if err != nil {
		h.writeEngineError(w, "Spin failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// =============================================================================
// LEADERBOARDS
// =============================================================================

func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := rewards.LeaderboardQuery{
		Scope:  rewards.LeaderboardScope(strings.ToUpper(q.Get("scope"))),
		Metric: rewards.Metric(strings.ToUpper(q.Get("metric"))),
		Period: rewards.LeaderboardPeriod{
			Kind: generic.PeriodKind(strings.ToUpper(q.Get("period"))),
			Key:  q.Get("key"),
		},
	}
	if level := q.Get("level_scope"); level != "" {
		query.Level = &rewards.LevelFilter{
			Scope: rewards.LeaderboardScope(strings.ToUpper(level)),
			Value: q.Get("level_value"),
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		query.Limit = n
	}

	entries, err := h.Engine.Leaderboard(r.Context(), query)
	if err != nil {
		h.writeEngineError(w, "Leaderboard query failed", err)
		return
	}
	if entries == nil {
		entries = []rewards.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{Query: query, Entries: entries})
}

// =============================================================================
// PAYOUTS
// =============================================================================

func (h *Handler) ListUserPayouts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	q := r.URL.Query()
	filter := generic.PayoutFilter{
		Period:          generic.PeriodKind(strings.ToUpper(q.Get("period"))),
		Status:          generic.PayoutStatus(strings.ToUpper(q.Get("status"))),
		PeriodKeyPrefix: q.Get("prefix"),
	}
	if filter.Period != "" && !filter.Period.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid period", nil)
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}

	payouts, err := h.Engine.GetPayouts(r.Context(), generic.UserID(userID), filter)
	if err != nil {
		h.writeEngineError(w, "Listing payouts failed", err)
		return
	}
	if payouts == nil {
		payouts = []generic.Payout{}
	}
	writeJSON(w, http.StatusOK, PayoutListResponse{UserID: userID, Payouts: payouts})
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPayout(r.Context(), generic.PayoutID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Payout lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) VoidPayout(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.payoutAction(w, r)
	if !ok {
		return
	}
	p, err := h.Engine.VoidPayout(r.Context(), id, actorOf(r, req.Actor), req.Reason)
	if err != nil {
		h.writeEngineError(w, "Void failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.payoutAction(w, r)
	if !ok {
		return
	}
	p, err := h.Engine.CancelPayout(r.Context(), id, actorOf(r, req.Actor), req.Reason)
	if err != nil {
		h.writeEngineError(w, "Cancel failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) MarkPayoutPaid(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.payoutAction(w, r)
	if !ok {
		return
	}
	p, err := h.Engine.MarkPayoutPaid(r.Context(), id, actorOf(r, req.Actor))
	if err != nil {
		h.writeEngineError(w, "Marking paid failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// payoutAction reads the optional body shared by the payout transitions.
func (h *Handler) payoutAction(w http.ResponseWriter, r *http.Request) (generic.PayoutID, PayoutActionRequest, bool) {
	var req PayoutActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return "", req, false
		}
	}
	return generic.PayoutID(chi.URLParam(r, "id")), req, true
}

// =============================================================================
// RULES
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter generic.RuleFilter
	if v := q.Get("kind"); v != "" {
		kind := generic.RuleKind(v)
		filter.Kind = &kind
	}
	if q.Has("scope") {
		scope := q.Get("scope")
		filter.Scope = &scope
	}

	rules, err := h.Engine.Rules(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Listing rules failed", err)
		return
	}
	out := make([]factory.RuleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, h.Rules.ToJSON(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rj factory.RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rule, err := h.Rules.FromJSON(rj)
	if err != nil {
		h.writeEngineError(w, "Invalid rule", err)
		return
	}

	saved, err := h.Engine.SaveRule(r.Context(), rule, actorOf(r, rj.CreatedBy))
	if err != nil {
		h.writeEngineError(w, "Saving rule failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Rules.ToJSON(saved))
}

func (h *Handler) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	var req RuleActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.Engine.SetRuleActive(r.Context(), generic.RuleID(chi.URLParam(r, "id")), *req.Active, actorOf(r, ""))
	if err != nil {
		h.writeEngineError(w, "Updating rule failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Rules.ToJSON(rule))
}

// =============================================================================
// BATCH
// =============================================================================

func (h *Handler) ListBatchRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Engine.Batch().Runs(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Listing batch runs failed", err)
		return
	}
	if runs == nil {
		runs = []generic.BatchRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) RunMonthlyBatch(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, generic.PeriodMonthly)
}

func (h *Handler) RunQuarterlyBatch(w http.ResponseWriter, r *http.Request) {
	h.runBatch(w, r, generic.PeriodQuarterly)
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request, kind generic.PeriodKind) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	ym, err := generic.ParseYearMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	report, err := h.Engine.Batch().Run(r.Context(), kind, ym)
	if err != nil {
		h.writeEngineError(w, fmt.Sprintf("%s batch failed", strings.ToLower(string(kind))), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}

	entries, err := h.Engine.Audit(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Audit query failed", err)
		return
	}
	if entries == nil {
		entries = []generic.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConfigurationError(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "message", message, "error", err)
	}
	var calcErr *generic.CalculationError
	if errors.As(err, &calcErr) && calcErr.Err != nil {
		writeError(w, status, message, calcErr.Err)
		return
	}
	writeError(w, status, message, err)
}

// actorOf prefers the actor named in the body, then the X-Actor header.
func actorOf(r *http.Request, named string) string {
	if named != "" {
		return named
	}
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return defaultActor
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
