/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /api/performance/*    Daily and monthly inputs
  /api/incentives/*     Slab and quarterly evaluations
  /api/spins            Spin-the-wheel
  /api/leaderboards     Rankings
  /api/users/*          Per-user payout ledger
  /api/payouts/*        Payout transitions
  /api/rules/*          Rule versions
  /api/batch/*          Month-end runs
  /api/audit            Audit trail

SECURITY NOTE:
  No authentication middleware. Deploy behind the gateway that does it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Quiet drops the request logger (tests).
	Quiet bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if !opts.Quiet {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/performance", func(r chi.Router) {
			r.Get("/", h.ListPerformance)
			r.Post("/daily", h.PostDailyPerformance)
			r.Post("/monthly", h.PostMonthlyPerformance)
		})

		r.Route("/incentives", func(r chi.Router) {
			r.Post("/monthly", h.PostMonthlyIncentive)
			r.Post("/quarterly", h.PostQuarterly)
		})

		r.Post("/spins", h.PostSpin)
		r.Get("/leaderboards", h.GetLeaderboard)
		r.Get("/users/{id}/payouts", h.ListUserPayouts)

		r.Route("/payouts/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayout)
			r.Post("/void", h.VoidPayout)
			r.Post("/cancel", h.CancelPayout)
			r.Post("/paid", h.MarkPayoutPaid)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/{id}/active", h.SetRuleActive)
		})

		r.Route("/batch", func(r chi.Router) {
			r.Get("/runs", h.ListBatchRuns)
			r.Post("/monthly", h.RunMonthlyBatch)
			r.Post("/quarterly", h.RunQuarterlyBatch)
		})

		r.Get("/audit", h.ListAudit)
	})

	return r
}
