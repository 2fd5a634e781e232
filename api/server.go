/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the transparency panel

ROUTE GROUPS:
  /api/lots/*          Donations, lot lifecycle
  /api/waitlist/*      Request intake and queue
  /api/weights         Priority weight configuration
  /api/distribute      Manual distribution trigger
  /api/runs            Run history
  /api/transactions    Allocation log (plus per-donor and per-beneficiary
                       projections under /api/donors and /api/beneficiaries)
  /api/accounts/*      Beneficiary totals
  /api/stats           Queue + pool summaries
  /api/audit           Operator trail
  /healthz             Liveness
  /metrics             Prometheus

SECURITY NOTE:
  No authentication middleware. The engine trusts its caller (the
  platform gateway) for identity; donor_id and beneficiary_id are
  opaque strings here.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Credit lots
		r.Route("/lots", func(r chi.Router) {
			r.Get("/", h.ListLots)
			r.Post("/", h.CreateLot)
			r.Get("/{id}", h.GetLot)
			r.Post("/{id}/block", h.BlockLot)
			r.Post("/{id}/unblock", h.UnblockLot)
		})

		// Waitlist
		r.Route("/waitlist", func(r chi.Router) {
			r.Get("/", h.ListWaitlist)
			r.Post("/", h.Enqueue)
			r.Get("/stats", h.GetQueueStats)
			r.Get("/{id}", h.GetEntry)
			r.Put("/{id}", h.EditEntry)
			r.Patch("/{id}", h.EditEntry)
			r.Delete("/{id}", h.CancelEntry)
			r.Get("/{id}/position", h.GetPosition)
		})

		// Priority weights
		r.Get("/weights", h.GetWeights)
		r.Put("/weights", h.UpdateWeights)

		// Distribution
		r.Post("/distribute", h.Distribute)
		r.Get("/runs", h.ListRuns)

		// Transparency
		r.Get("/transactions", h.ListTransactions)
		r.Get("/beneficiaries/{id}/transactions", h.ListBeneficiaryTransactions)
		r.Get("/donors/{id}/transactions", h.ListDonorTransactions)
		r.Get("/accounts/{id}", h.GetAccount)
		r.Get("/stats", h.GetStats)
		r.Get("/audit", h.ListAudit)
	})

	// Operational endpoints
	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
