package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket endpoint. The session authenticates in-band: a
		// single-use ticket on connect, or an auth message carrying an
		// access token afterwards.
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)

			// WS ticket requires authentication - user must be logged in
			// to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Automation lifecycle endpoints
			r.Route("/automations", func(r chi.Router) {
				r.Get("/", s.handleListAutomations)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAutomation)
					r.Get("/stats", s.handleAutomationStats)
					r.Get("/transitions", s.handleListTransitions)
					r.Post("/transitions", s.handleTransition)
					r.Get("/backups", s.handleListBackups)
					r.Post("/backups", s.handleCreateBackup)
					r.Get("/suggestions", s.handleListAutomationSuggestions)
				})
			})

			// Approval workflow endpoints
			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.handleListApprovals)
				r.Post("/", s.handleSubmitApproval)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetApproval)
					r.With(s.requireApprover).Post("/approve", s.handleApprove)
					r.With(s.requireApprover).Post("/reject", s.handleReject)
					r.Post("/cancel", s.handleCancelApproval)
					r.With(s.requireApprover).Post("/escalate", s.handleEscalate)
				})
			})

			// Backup endpoints
			r.Route("/backups", func(r chi.Router) {
				r.Get("/{id}", s.handleGetBackup)
				r.Post("/{id}/restore", s.handleRestoreBackup)
			})

			// Emergency stop endpoints
			r.Route("/emergency-stop", func(r chi.Router) {
				r.With(s.requireApprover).Post("/", s.handleEmergencyStop)
				r.Get("/events", s.handleListStopEvents)
				r.Get("/events/{id}", s.handleGetStopEvent)
				r.With(s.requireApprover).Post("/events/{id}/recover", s.handleRecover)
			})

			// Optimization suggestion endpoints
			r.Route("/suggestions", func(r chi.Router) {
				r.Get("/", s.handleListSuggestions)
				r.Post("/", s.handleSubmitSuggestion)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSuggestion)
					r.Post("/accept", s.handleAcceptSuggestion)
					r.Post("/dismiss", s.handleDismissSuggestion)
				})
			})

			// User management (admin only)
			r.Route("/users", func(r chi.Router) {
				r.Use(s.requireApprover)
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)
				r.Get("/{id}", s.handleGetUser)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
