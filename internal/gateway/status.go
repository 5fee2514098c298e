package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flemzord/jobd/internal/manager"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Version string          `json:"version,omitempty"`
	Uptime  float64         `json:"uptime_seconds"`
	Engine  manager.Status  `json:"engine"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Version: g.version,
			Uptime:  time.Since(g.startedAt).Truncate(time.Second).Seconds(),
			Metrics: g.metrics.Snapshot(),
			Engine:  g.jobs.Status(r.Context()),
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
