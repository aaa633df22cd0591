package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/rentdesk/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Prober checks a dependency.
type Prober interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo   store.Repository
	remote Prober
}

// NewHealthHandler creates a new health handler. remote may be nil.
func NewHealthHandler(repo store.Repository, remote Prober) *HealthHandler {
	return &HealthHandler{repo: repo, remote: remote}
}

// Health returns the health status of the API and its dependencies. Only the
// database is required; an unreachable rental service degrades the report.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.remote != nil {
		if err := h.remote.Health(ctx); err != nil {
			slog.Warn("Rental service health check failed", "error", err)
			checks["rental_service"] = "unreachable"
			if statusCode == http.StatusOK {
				status = "degraded"
			}
		} else {
			checks["rental_service"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
