/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the app frontend

ROUTE GROUPS:
  /api/policies/*      Policy management
  /api/accounts/*      Per-account progress, cycles, recompute
  /api/cycles/*        Cycle contents
  /api/transactions/*  Transaction writes and explanations
  /api/events/*        Change notifications from external stores
  /api/simulate        Reward preview
  /api/scenarios/*     Demo scenarios

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

// NewRouter creates a new router with all routes configured. An empty
// origin list allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Get("/{accountID}", h.GetPolicy)
			r.Put("/{accountID}", h.PutPolicy)
			r.Delete("/{accountID}", h.DeletePolicy)
		})

		r.Get("/progress", h.GetProgress)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/progress", h.GetAccountProgress)
			r.Get("/cycles", h.GetAccountCycles)
			r.Get("/cycles/resolve", h.ResolveCycle)
			r.Get("/transactions", h.GetMonthlyTransactions)
			r.Post("/recompute", h.Recompute)
		})

		r.Get("/cycles/{cycleID}/transactions", h.GetCycleTransactions)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.SaveTransaction)
			r.Post("/{id}/void", h.VoidTransaction)
			r.Get("/{id}/explanation", h.GetExplanation)
		})

		r.Post("/events/transaction-changed", h.TransactionChanged)
		r.Post("/simulate", h.Simulate)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
