// Package app wires the jobd daemon together and runs it until a shutdown
// signal arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flemzord/jobd/internal/config"
	"github.com/flemzord/jobd/internal/core"
	"github.com/flemzord/jobd/internal/executor"
	"github.com/flemzord/jobd/internal/gateway"
	"github.com/flemzord/jobd/internal/ipc"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/reload"
	"github.com/flemzord/jobd/internal/scheduler"
	"github.com/flemzord/jobd/internal/security"
	"github.com/flemzord/jobd/internal/storage"
	"github.com/flemzord/jobd/internal/storage/sqlite"
	"github.com/flemzord/jobd/internal/telemetry"
)

// ErrConfigNotFound is returned by ResolveConfigPath when no candidate
// file exists.
var ErrConfigNotFound = errors.New("no configuration file found")

// telemetryShutdownTimeout bounds the final span flush.
const telemetryShutdownTimeout = 5 * time.Second

// RunParams configures the daemon.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file. It
	// must exist. If empty, ResolveConfigPath is consulted and a missing
	// file means defaults.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir, Socket and LogLevel override the configuration file.
	DataDir  string
	Socket   string
	LogLevel string

	// LogOutput receives the daemon log. Defaults to os.Stderr.
	LogOutput io.Writer
}

// adjust applies the command-line overrides to a loaded configuration.
func (p RunParams) adjust(cfg *config.Config) {
	if p.DataDir != "" {
		cfg.Daemon.DataDir = p.DataDir
	}
	if p.Socket != "" {
		cfg.Daemon.Socket = p.Socket
	}
	if p.LogLevel != "" {
		cfg.Daemon.LogLevel = p.LogLevel
	}
}

// Daemon is a started jobd instance.
type Daemon struct {
	app       *core.App
	handler   *reload.Handler
	telemetry *telemetry.Provider
	gateway   *gateway.Gateway
	logger    *slog.Logger
	cfgPath   string
	socket    string
}

// Run starts the daemon and blocks until SIGINT or SIGTERM. SIGHUP and
// changes to the configuration file reload the declared jobs and the log
// level.
func Run(params RunParams) error {
	d, err := Start(context.Background(), params)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.HandleReloads(ctx)
	}()
	<-ctx.Done()
	<-done

	d.logger.Info("shutdown signal received")
	err = d.Stop()
	d.logger.Info("shutdown complete")
	return err
}

// HandleReloads reloads the configuration on SIGHUP and, when a file is
// in use, whenever it changes on disk, until ctx is done.
func (d *Daemon) HandleReloads(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var fileEvents <-chan reload.Event
	if d.cfgPath != "" {
		watcher := reload.NewWatcher(reload.WatcherConfig{Path: d.cfgPath})
		watcher.Start(ctx)
		defer watcher.Stop()
		fileEvents = watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			d.logger.Info("SIGHUP received, reloading configuration")
		case evt := <-fileEvents:
			d.logger.Info("config file changed, reloading", "path", evt.Path)
		}
		if err := d.Reload(ctx); err != nil {
			d.logger.Error("reload failed", "error", err)
		}
	}
}

// Start loads the configuration, builds every component and starts them.
// The caller must call Stop.
func Start(ctx context.Context, params RunParams) (*Daemon, error) {
	cfgPath, cfg, err := loadConfig(params)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Daemon.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	cfg.Finalize(dataDir)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	socket := cfg.Daemon.Socket
	if socket == "" {
		socket = ipc.DefaultSocketPath()
	}

	// Wrap the handler in a redacting handler so job secrets never reach
	// the log.
	redactor := security.NewRedactor()
	secrets := daemonSecrets(cfg)
	for _, s := range secrets {
		redactor.AddLiteral(s)
	}
	level := new(slog.LevelVar)
	lvl, _ := config.ParseLogLevel(cfg.Daemon.LogLevel)
	level.Set(lvl)
	logger := newLogger(params.LogOutput, cfg.Daemon.LogFormat, level, redactor)

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, params.Version, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	reg := registry.New(registry.Config{
		MaxRecordsPerJob: cfg.Registry.MaxRecordsPerJob,
		MaxTotalRecords:  cfg.Registry.MaxTotalRecords,
		Store:            store,
		Logger:           logger,
	})

	// The scheduler notifies the manager, which needs the scheduler: the
	// loop only starts once mgr is set.
	var mgr *manager.Manager
	sched := scheduler.New(scheduler.Config{
		MinCheckInterval: cfg.Scheduler.MinCheckInterval,
		MaxCheckInterval: cfg.Scheduler.MaxCheckInterval,
		DueBuffer:        cfg.Scheduler.DueBuffer,
		Notify:           func(spec job.Spec) { mgr.OnDue(spec) },
		Logger:           logger,
	})

	mgr, err = manager.New(manager.Config{
		Store:     store,
		Scheduler: sched,
		Registry:  reg,
		Runner: &executor.ExecRunner{
			Shell:             cfg.Execution.Shell,
			StripSensitiveEnv: cfg.Execution.StripSensitiveEnv,
			Secrets:           secrets,
			Logger:            logger,
		},
		KillGrace:      cfg.Execution.KillGrace,
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		RetryDelay:     cfg.Execution.RetryDelay,
		Secrets:        redactor,
		Tracer:         tp.Tracer("github.com/flemzord/jobd/internal/manager"),
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	appCtx := core.NewAppContext(logger, dataDir)
	appCtx.RegisterService(gateway.ServiceJobs, mgr)
	appCtx.RegisterService(gateway.ServiceRegistry, reg)
	appCtx.RegisterService(gateway.ServiceStore, store)
	appCtx.RegisterService(gateway.ServiceScheduler, sched)
	appCtx.RegisterService("security.redactor", redactor)

	application := core.NewApp(appCtx)
	handler := reload.NewHandler(reload.HandlerConfig{
		Path:    cfgPath,
		DataDir: dataDir,
		Initial: cfg,
		Adjust:  params.adjust,
		Level:   level,
		App:     application,
		Logger:  logger,
	})
	appCtx.RegisterService("reload.handler", handler)

	server := ipc.NewServer(ipc.ServerConfig{
		Path: socket,
		Dispatcher: ipc.NewDispatcher(ipc.DispatcherConfig{
			Jobs:    mgr,
			History: reg,
			Version: params.Version,
			Socket:  socket,
			Logger:  logger,
		}),
		Logger: logger,
	})

	mods := []core.Module{
		&storeModule{store: store},
		&managerModule{
			mgr:      mgr,
			reg:      reg,
			declared: func() []job.Spec { return config.Resolve(handler.Current()) },
			logger:   logger,
		},
		&schedulerModule{sched: sched},
		&ipcModule{server: server},
	}
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, params.Version)
		mods = append(mods, gw)
	}

	if err := application.LoadModules(mods...); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	if err := application.Start(); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	logger.Info("jobd started",
		"version", params.Version,
		"commit", params.Commit,
		"config", cfgPath,
		"socket", socket,
		"storage", cfg.Storage.Backend,
		"gateway", cfg.Gateway.Enabled,
		"tracing", tp.Enabled(),
	)

	return &Daemon{
		app:       application,
		handler:   handler,
		telemetry: tp,
		gateway:   gw,
		logger:    logger,
		cfgPath:   cfgPath,
		socket:    socket,
	}, nil
}

// Socket returns the IPC socket path.
func (d *Daemon) Socket() string { return d.socket }

// ConfigPath returns the configuration file in use, empty when running on
// defaults.
func (d *Daemon) ConfigPath() string { return d.cfgPath }

// GatewayAddr returns the HTTP gateway address, empty when it is disabled.
func (d *Daemon) GatewayAddr() string {
	if d.gateway == nil {
		return ""
	}
	return d.gateway.Addr()
}

// Config returns the configuration in effect.
func (d *Daemon) Config() *config.Config { return d.handler.Current() }

// Reload re-reads the configuration file and applies it.
func (d *Daemon) Reload(ctx context.Context) error {
	return d.handler.HandleReload(ctx)
}

// Stop shuts every module down within daemon.shutdown_timeout and
// flushes pending spans.
func (d *Daemon) Stop() error {
	timeout := d.handler.Current().Daemon.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stopErr := d.app.Stop(ctx)

	tctx, tcancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer tcancel()
	return errors.Join(stopErr, d.telemetry.Shutdown(tctx))
}

func loadConfig(params RunParams) (string, *config.Config, error) {
	path := params.ConfigPath
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		path, err = ResolveConfigPath()
		switch {
		case errors.Is(err, ErrConfigNotFound):
			path = ""
			cfg, _, err = config.LoadOrDefault("")
		case err == nil:
			cfg, err = config.Load(path)
		}
	}
	if err != nil {
		return "", nil, err
	}
	params.adjust(cfg)
	return path, cfg, nil
}

func newLogger(w io.Writer, format string, level *slog.LevelVar, redactor *security.Redactor) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler = slog.NewTextHandler(w, opts)
	if format == config.LogFormatJSON {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

// daemonSecrets lists the daemon's own secrets: scrubbed from logs and
// from inherited job environments.
func daemonSecrets(cfg *config.Config) []string {
	var out []string
	if cfg.Gateway.BearerToken != "" {
		out = append(out, cfg.Gateway.BearerToken)
	}
	for _, v := range cfg.Telemetry.Headers {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return storage.NewInMemoryStore(), nil
	}
	store, err := sqlite.Open(ctx, cfg.Storage.Config)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/jobd/jobd.yaml → ~/.config/jobd/jobd.yaml → ./jobd.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "jobd", "jobd.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "jobd", "jobd.yaml"))
	}

	candidates = append(candidates, "jobd.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrConfigNotFound, candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/jobd if set, otherwise ~/.local/share/jobd per the XDG base directory layout.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok && dir != "" {
		return filepath.Join(dir, "jobd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "jobd")
}
