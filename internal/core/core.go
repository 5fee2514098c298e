package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// App manages the lifecycle of a set of modules.
type App struct {
	ctx     *AppContext
	modules []moduleInstance
	logger  *slog.Logger
}

type moduleInstance struct {
	id      ModuleID
	module  Module
	started bool
}

// NewApp creates a new App with the given context.
func NewApp(ctx *AppContext) *App {
	return &App{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "core"),
	}
}

// LoadModules provisions and validates mods in order. If any step fails,
// the modules loaded by this call are cleaned up.
func (a *App) LoadModules(mods ...Module) error {
	loaded := len(a.modules)
	for _, m := range mods {
		id := m.ModuleInfo().ID
		if _, dup := a.Module(id); dup {
			a.cleanup(loaded)
			return fmt.Errorf("module already loaded: %s", id)
		}
		mod, err := a.ctx.LoadModule(m)
		if err != nil {
			a.cleanup(loaded)
			return fmt.Errorf("loading module %s: %w", id, err)
		}
		a.modules = append(a.modules, moduleInstance{id: id, module: mod})
		a.logger.Info("module loaded", "module", string(id))
	}
	return nil
}

// Module returns the loaded module with the given ID.
func (a *App) Module(id ModuleID) (Module, bool) {
	for _, mi := range a.modules {
		if mi.id == id {
			return mi.module, true
		}
	}
	return nil, false
}

// Modules returns the IDs of the loaded modules in load order.
func (a *App) Modules() []ModuleID {
	ids := make([]ModuleID, len(a.modules))
	for i, mi := range a.modules {
		ids[i] = mi.id
	}
	return ids
}

// Start starts all loaded modules that implement Starter, in order.
// If any Start() fails, already-started modules are stopped in reverse order.
func (a *App) Start() error {
	for i := range a.modules {
		mi := &a.modules[i]
		if mi.started {
			continue
		}
		if s, ok := mi.module.(Starter); ok {
			a.logger.Info("starting module", "module", string(mi.id))
			if err := s.Start(); err != nil {
				a.logger.Error("module start failed", "module", string(mi.id), "error", err)
				_ = a.stopModules(context.Background(), i-1)
				return fmt.Errorf("starting module %s: %w", mi.id, err)
			}
		}
		mi.started = true
	}
	a.logger.Info("all modules started")
	return nil
}

// Stop stops all started modules in reverse order. Every module is given
// the chance to stop; their errors are joined.
func (a *App) Stop(ctx context.Context) error {
	return a.stopModules(ctx, len(a.modules)-1)
}

func (a *App) stopModules(ctx context.Context, fromIndex int) error {
	var errs []error
	for i := fromIndex; i >= 0; i-- {
		mi := &a.modules[i]
		if !mi.started {
			continue
		}
		if s, ok := mi.module.(Stopper); ok {
			a.logger.Info("stopping module", "module", string(mi.id))
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("module stop error", "module", string(mi.id), "error", err)
				errs = append(errs, fmt.Errorf("stopping module %s: %w", mi.id, err))
			}
		}
		mi.started = false
	}
	return errors.Join(errs...)
}

func (a *App) cleanup(keep int) {
	ctx := context.Background()
	for i := len(a.modules) - 1; i >= keep; i-- {
		if s, ok := a.modules[i].module.(Stopper); ok {
			_ = s.Stop(ctx)
		}
	}
	a.modules = a.modules[:keep]
}

// Reload calls Reload on all loaded modules that implement Reloader.
// Returns a joined error if any module fails to reload.
func (a *App) Reload(ctx context.Context) error {
	var errs []error
	for i := range a.modules {
		mi := &a.modules[i]
		r, ok := mi.module.(Reloader)
		if !ok {
			continue
		}
		a.logger.Info("reloading module", "module", string(mi.id))
		if err := r.Reload(ctx); err != nil {
			a.logger.Error("module reload failed", "module", string(mi.id), "error", err)
			errs = append(errs, fmt.Errorf("reloading module %s: %w", mi.id, err))
		}
	}
	return errors.Join(errs...)
}
