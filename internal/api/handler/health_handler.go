package handler

import (
	"net/http"

	"github.com/notifyhub/dispatch/internal/provider"
)

// HealthHandler serves the liveness probe endpoint, including per-provider
// health derived from the circuit breaker state.
type HealthHandler struct {
	registry *provider.Registry
}

func NewHealthHandler(registry *provider.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

// Health handles GET /health
//
// @Summary  Liveness probe with provider health
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	providers := map[string]bool{}
	for _, a := range h.registry.All() {
		providers[a.Name()] = a.Health()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": providers,
	})
}
