// Package core provides the module lifecycle the jobd daemon is assembled
// from: modules are provisioned against a shared AppContext, started in
// order and stopped in reverse.
package core

import (
	"fmt"
	"log/slog"
	"sync"
)

// AppContext carries shared resources available to modules during
// provisioning and at runtime.
type AppContext struct {
	// Logger for the current module scope.
	Logger *slog.Logger

	// DataDir is the root directory for persistent daemon data.
	DataDir string

	parentLogger *slog.Logger
	services     *serviceRegistry
}

type serviceRegistry struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewAppContext creates a new AppContext with the given base logger and
// data directory.
func NewAppContext(logger *slog.Logger, dataDir string) *AppContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppContext{
		Logger:       logger,
		DataDir:      dataDir,
		parentLogger: logger,
		services:     &serviceRegistry{services: make(map[string]any)},
	}
}

// ForModule returns a new AppContext scoped to the given module ID,
// with a child logger that includes the module ID. Services are shared
// with the parent.
func (ctx *AppContext) ForModule(id ModuleID) *AppContext {
	return &AppContext{
		Logger:       ctx.parentLogger.With("module", string(id)),
		DataDir:      ctx.DataDir,
		parentLogger: ctx.parentLogger,
		services:     ctx.services,
	}
}

// RegisterService publishes a service under name. A later registration
// under the same name replaces the earlier one.
func (ctx *AppContext) RegisterService(name string, svc any) {
	ctx.services.mu.Lock()
	defer ctx.services.mu.Unlock()
	ctx.services.services[name] = svc
}

// Service looks up a service by name.
func (ctx *AppContext) Service(name string) (any, bool) {
	ctx.services.mu.RLock()
	defer ctx.services.mu.RUnlock()
	svc, ok := ctx.services.services[name]
	return svc, ok
}

// ServiceAs looks up a service by name and asserts its type.
func ServiceAs[T any](ctx *AppContext, name string) (T, error) {
	var zero T
	svc, ok := ctx.Service(name)
	if !ok {
		return zero, fmt.Errorf("service %q not registered", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T, want %T", name, svc, zero)
	}
	return typed, nil
}

// LoadModule provisions and validates a module. The lifecycle order is:
//
//	Provision() → Validate()
//
// Returns the module ready to be started.
func (ctx *AppContext) LoadModule(mod Module) (Module, error) {
	id := mod.ModuleInfo().ID
	if id == "" {
		return nil, fmt.Errorf("module %T: ID must not be empty", mod)
	}

	if p, ok := mod.(Provisioner); ok {
		if err := p.Provision(ctx.ForModule(id)); err != nil {
			return nil, fmt.Errorf("provisioning module %s: %w", id, err)
		}
	}

	if v, ok := mod.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validating module %s: %w", id, err)
		}
	}

	return mod, nil
}
