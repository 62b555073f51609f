/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the shop front end

ROUTE GROUPS:
  /api/jobsheets   Submission workflow
  /api/jobs/*      Job lifecycle and machine assignment
  /api/parties/*   Customers and their ledger
  /api/inventory/* Paper stock
  /api/machines/*  Production capacity
  /api/admin/*     Reconciliation trigger

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured. An empty
// allowedOrigins list allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/jobsheets", h.SubmitJobSheet)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.DeleteJob)
			r.Post("/{id}/status", h.UpdateJobStatus)
			r.Post("/{id}/assign", h.AssignJob)
			r.Post("/{id}/reassign", h.ReassignJob)
			r.Post("/{id}/release-machine", h.ReleaseMachine)
			r.Get("/{id}/workflow", h.GetWorkflowStatus)
		})

		r.Route("/parties", func(r chi.Router) {
			r.Get("/", h.ListParties)
			r.Post("/", h.CreateParty)
			r.Get("/{id}", h.GetParty)
			r.Put("/{id}", h.UpdateParty)
			r.Delete("/{id}", h.DeleteParty)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Post("/{id}/transactions", h.CreateTransaction)
			r.Get("/{id}/audit", h.GetAudit)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Delete("/{id}", h.DeleteTransaction)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/", h.ListInventory)
			r.Post("/", h.CreateInventoryItem)
			r.Get("/{id}", h.GetInventoryItem)
			r.Get("/{id}/history", h.GetInventoryHistory)
		})

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", h.ListMachines)
			r.Post("/", h.CreateMachine)
			r.Get("/{id}", h.GetMachine)
			r.Put("/{id}/status", h.SetMachineStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
		})
	})

	return r
}
