// Package gateway is the optional HTTP surface of the daemon: health and
// status endpoints, a Prometheus scrape endpoint and a websocket feed of
// execution events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/jobd/internal/core"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
)

// Service names the gateway resolves from the AppContext.
const (
	ServiceJobs      = "jobs.manager"
	ServiceRegistry  = "jobs.registry"
	ServiceStore     = "jobs.store"
	ServiceScheduler = "jobs.scheduler"
)

// JobStatus reports the engine state. *manager.Manager satisfies it.
type JobStatus interface {
	Status(ctx context.Context) manager.Status
}

// History is the execution history the gateway reads. *registry.Registry
// satisfies it.
type History interface {
	GetAllStatistics() registry.Statistics
	Subscribe() (<-chan registry.Event, func())
}

// Check is a named probe reported by /health. A non-nil error marks the
// daemon degraded.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Gateway is the HTTP gateway module. It is a leaf module: nothing
// depends on it.
type Gateway struct {
	config  Config
	version string
	logger  *slog.Logger
	metrics *Metrics
	prom    *prometheus.Registry

	jobs    JobStatus
	history History
	checks  []Check

	server    *http.Server
	addr      net.Addr
	startedAt time.Time

	streamMu sync.Mutex
	streams  sync.WaitGroup
	quit     chan struct{}
	closing  bool
}

// New creates a gateway. Dependencies are resolved in Provision.
func New(cfg Config, version string) *Gateway {
	cfg.Defaults()
	return &Gateway{config: cfg, version: version}
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "gateway.http"}
}

// Provision implements core.Provisioner. The manager and registry are
// required; the store and scheduler contribute health checks when they
// can be probed.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.logger = ctx.Logger
	g.metrics = &Metrics{}
	g.quit = make(chan struct{})

	jobs, err := core.ServiceAs[JobStatus](ctx, ServiceJobs)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	history, err := core.ServiceAs[History](ctx, ServiceRegistry)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	g.jobs = jobs
	g.history = history

	if svc, ok := ctx.Service(ServiceScheduler); ok {
		if s, ok := svc.(interface{ Running() bool }); ok {
			g.checks = append(g.checks, Check{Name: "scheduler", Probe: func(context.Context) error {
				if !s.Running() {
					return errors.New("scheduler loop is not running")
				}
				return nil
			}})
		}
	}
	if svc, ok := ctx.Service(ServiceStore); ok {
		if p, ok := svc.(interface{ Ping(context.Context) error }); ok {
			g.checks = append(g.checks, Check{Name: "storage", Probe: p.Ping})
		}
	}

	g.prom = newPrometheusRegistry(g.jobs, g.history, g.metrics)
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	return g.config.Validate()
}

// Start implements core.Starter. It binds the listener synchronously so
// an address conflict fails startup.
func (g *Gateway) Start() error {
	if g.server != nil {
		return errors.New("gateway: already started")
	}
	g.startedAt = time.Now()

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}
	g.addr = ln.Addr()

	g.server = &http.Server{
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}

	srv := g.server
	go func() {
		g.logger.Info("gateway: listening", "addr", g.addr.String(), "auth", g.config.BearerToken != "")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (g *Gateway) Addr() string {
	if g.addr == nil {
		return ""
	}
	return g.addr.String()
}

// Stop implements core.Stopper. Graceful shutdown with the configured
// timeout; open execution streams are closed with a going-away status.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway: shutting down")

	g.streamMu.Lock()
	if !g.closing {
		g.closing = true
		close(g.quit)
	}
	g.streamMu.Unlock()

	err := g.server.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		g.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		err = errors.Join(err, fmt.Errorf("gateway: streams still open: %w", shutdownCtx.Err()))
	}

	g.server = nil
	return err
}

// trackStream registers a websocket stream unless the gateway is closing.
func (g *Gateway) trackStream() bool {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()
	if g.closing {
		return false
	}
	g.streams.Add(1)
	return true
}
