package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(g.metrics.instrument)

	// Public: no auth required.
	r.Get("/health", g.handleHealth())

	r.Group(func(r chi.Router) {
		if g.config.BearerToken != "" {
			r.Use(authMiddleware(g.config.BearerToken, g.logger))
		}
		r.Get("/status", g.handleStatus())
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.prom, promhttp.HandlerOpts{
			ErrorLog: promLogger{g.logger},
			Registry: g.prom,
		}))
		r.Get("/ws/executions", g.handleExecutions())
	})

	return r
}
