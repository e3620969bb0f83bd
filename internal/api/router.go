package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/metrics", s.handleMetrics)
		if s.metrics != nil {
			r.Handle("/metrics/prometheus", s.metrics.Handler())
		}

		r.Route("/device", func(r chi.Router) {
			r.Get("/state", s.handleGetState)
			r.Get("/summary", s.handleSummary)
			r.Post("/control", s.handleControl)
			r.Get("/sync", s.handleSync)
			r.Post("/sync", s.handleSync)
		})

		r.Get("/webhook", s.handleWebhook)
		r.Post("/webhook", s.handleWebhook)
		r.Get("/webhook/urls", s.handleWebhookURLs)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"device_id": s.deviceID,
	})
}
