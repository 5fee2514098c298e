package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// healthProbeTimeout bounds each check run by /health.
const healthProbeTimeout = 2 * time.Second

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string        `json:"status"` // "ok" or "degraded"
	Version string        `json:"version,omitempty"`
	Running int           `json:"running"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 if every check passes, 503 if any fails.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: g.version,
		}

		if g.jobs != nil {
			resp.Running = len(g.jobs.Status(r.Context()).Running)
		}

		for _, c := range g.checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
			err := c.Probe(ctx)
			cancel()

			res := CheckResult{Name: c.Name, OK: err == nil}
			if err != nil {
				res.Error = err.Error()
				resp.Status = "degraded"
			}
			resp.Checks = append(resp.Checks, res)
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
