package handler

import (
	"context"
	"net/http"
	"time"
)

// checkTimeout bounds each dependency probe so one stuck backend cannot
// hang the health endpoint.
const checkTimeout = 2 * time.Second

// Check probes one optional dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthHandler serves the liveness endpoint. Dependency checks are
// optional: a session without redis or postgres reports ok with no deps.
type HealthHandler struct {
	checks []Check
}

// NewHealthHandler creates a HealthHandler probing the given dependencies.
func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// HealthCheck reports process liveness plus per-dependency state. A failing
// dependency degrades the status but keeps the 200: the session itself
// stays correct without its mirrors.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var deps map[string]string

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check.Probe(ctx)
		cancel()

		if deps == nil {
			deps = make(map[string]string, len(h.checks))
		}
		if err != nil {
			status = "degraded"
			deps[check.Name] = err.Error()
		} else {
			deps[check.Name] = "ok"
		}
	}

	resp := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if deps != nil {
		resp["deps"] = deps
	}
	writeJSON(w, http.StatusOK, resp)
}
