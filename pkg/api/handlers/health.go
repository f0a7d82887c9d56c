package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
)

// HealthCheckTimeout bounds how long a readiness probe may block on a
// backend's own Healthcheck call.
const HealthCheckTimeout = 5 * time.Second

// HealthHandler serves the liveness and readiness probes named in the
// specification's ambient stack, modeled directly on the teacher's
// /health and /health/ready split.
type HealthHandler struct {
	reg registry.Registry
	st  storage.Manager
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(reg registry.Registry, st storage.Manager) *HealthHandler {
	return &HealthHandler{reg: reg, st: st}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Liveness handles GET /api/health. It always returns 200 as long as the
// HTTP server is responsive; it performs no backend checks.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// Readiness handles GET /api/health/ready. It probes the storage backend
// and, if possible, reports whether the task registry is reachable.
// Returns 503 if any dependency is unhealthy.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	services := map[string]string{}
	healthy := true

	if err := h.st.Healthcheck(ctx); err != nil {
		services["storage"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		services["storage"] = "healthy"
	}

	if _, err := h.reg.Statistics(ctx, "__healthcheck__"); err != nil {
		services["registry"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		services["registry"] = "healthy"
	}

	status := http.StatusOK
	statusLabel := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusLabel = "degraded"
	}

	writeJSON(w, status, healthResponse{
		Status:    statusLabel,
		Services:  services,
		Timestamp: time.Now().UTC(),
	})
}
