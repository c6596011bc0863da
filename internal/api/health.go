package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks   map[string]HealthCheck
	required map[string]bool
	timeout  time.Duration
}

// NewHealthHandler creates a health handler with the given per-request timeout.
func NewHealthHandler(timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{
		checks:   make(map[string]HealthCheck),
		required: make(map[string]bool),
		timeout:  timeout,
	}
}

// Add registers a check. A failing required check makes the service
// unavailable; a failing optional one only degrades it.
func (h *HealthHandler) Add(name string, required bool, check HealthCheck) *HealthHandler {
	h.checks[name] = check
	h.required[name] = required
	return h
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
			if h.required[name] {
				status = "unavailable"
				statusCode = http.StatusServiceUnavailable
			}
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
