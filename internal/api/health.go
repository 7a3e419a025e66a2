package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evmakarov/atlas-tutor/internal/config"
	"github.com/evmakarov/atlas-tutor/internal/store"
)

// runtimeChecker reports tutor runtime reachability. Satisfied by the agent
// service; nil when AI features are disabled.
type runtimeChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	runtime runtimeChecker
	cfg     *config.Config
}

// NewHealthHandler creates a new health handler. runtime may be nil.
func NewHealthHandler(repo store.Repository, runtime runtimeChecker, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, runtime: runtime, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "component", "database", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case h.runtime == nil:
		checks["tutor_runtime"] = "disabled"
	default:
		if err := h.runtime.Health(ctx); err != nil {
			slog.Warn("Health check failed", "component", "tutor_runtime", "error", err)
			checks["tutor_runtime"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["tutor_runtime"] = "ok"
		}
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
