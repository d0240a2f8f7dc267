package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe is a named dependency check, e.g. a database or Redis ping.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves the health check.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	probes    []Probe
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(mode string, startedAt time.Time, logger *slog.Logger, probes ...Probe) *HealthHandler {
	return &HealthHandler{mode: mode, startedAt: startedAt, probes: probes, logger: logger}
}

// HealthCheck reports liveness and the state of each dependency. Any failed
// probe turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for _, p := range h.probes {
		if err := p.Check(ctx); err != nil {
			checks[p.Name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			h.logger.Warn("health probe failed", slog.String("probe", p.Name), slog.String("error", err.Error()))
			continue
		}
		checks[p.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"checks":         checks,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
