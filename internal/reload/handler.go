package reload

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/flemzord/jobd/internal/config"
)

// Reloader is told to re-read the current configuration. *core.App
// implements it by calling every module that supports reloading.
type Reloader interface {
	Reload(ctx context.Context) error
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	// Path is the configuration file. Empty means defaults only.
	Path string

	// DataDir is the data directory used when the file sets none.
	DataDir string

	// Initial is the configuration the daemon booted with.
	Initial *config.Config

	// Adjust, when set, is applied to every loaded configuration before
	// validation. It carries command-line overrides across reloads.
	Adjust func(*config.Config)

	// Level, when set, follows daemon.log_level.
	Level *slog.LevelVar

	App    Reloader
	Logger *slog.Logger
}

// Handler reloads the configuration file and applies it. Only the log
// level, the shutdown timeout and the declared jobs change at runtime;
// other changes are reported as needing a restart.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger

	mu      sync.Mutex
	current *config.Config
}

// NewHandler creates a reload handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	current := cfg.Initial
	if current == nil {
		current = config.Default()
		current.Finalize(cfg.DataDir)
	}
	return &Handler{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "reload"),
		current: current,
	}
}

// Current returns the configuration in effect. Callers must not modify it.
func (h *Handler) Current() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// HandleReload loads and validates the configuration file, makes it
// current and calls Reload on the application. An invalid file leaves the
// current configuration in place.
func (h *Handler) HandleReload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	next, _, err := config.LoadOrDefault(h.cfg.Path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if h.cfg.Adjust != nil {
		h.cfg.Adjust(next)
	}
	next.Finalize(h.cfg.DataDir)
	if err := config.Validate(next); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	for _, section := range RestartRequired(prev, next) {
		h.logger.Warn("reload: change takes effect after a restart", "setting", section)
	}
	if h.cfg.Level != nil {
		level, _ := config.ParseLogLevel(next.Daemon.LogLevel)
		h.cfg.Level.Set(level)
	}

	if h.cfg.App != nil {
		if err := h.cfg.App.Reload(ctx); err != nil {
			return fmt.Errorf("reloading modules: %w", err)
		}
	}

	h.logger.Info("reload: configuration applied", "path", h.cfg.Path, "declared_jobs", len(next.Jobs))
	return nil
}

// RestartRequired lists the settings that differ between prev and next
// and are only read at startup.
func RestartRequired(prev, next *config.Config) []string {
	checks := []struct {
		name string
		a, b any
	}{
		{"daemon.socket", prev.Daemon.Socket, next.Daemon.Socket},
		{"daemon.data_dir", prev.Daemon.DataDir, next.Daemon.DataDir},
		{"daemon.log_format", prev.Daemon.LogFormat, next.Daemon.LogFormat},
		{"scheduler", prev.Scheduler, next.Scheduler},
		{"registry", prev.Registry, next.Registry},
		{"storage", prev.Storage, next.Storage},
		{"execution", prev.Execution, next.Execution},
		{"gateway", prev.Gateway, next.Gateway},
		{"telemetry", prev.Telemetry, next.Telemetry},
	}
	var changed []string
	for _, c := range checks {
		if !reflect.DeepEqual(c.a, c.b) {
			changed = append(changed, c.name)
		}
	}
	return changed
}
