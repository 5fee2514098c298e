package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flemzord/jobd/internal/core"
	"github.com/flemzord/jobd/internal/ipc"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/scheduler"
	"github.com/flemzord/jobd/internal/storage"
)

// Modules are loaded in dependency order: storage, engine, scheduler
// loop, then the surfaces. core.App stops them in reverse, so the IPC
// server stops accepting before the scheduler halts and running jobs are
// awaited before the store closes.

// storeModule closes the store on shutdown.
type storeModule struct {
	store storage.Store
}

func (m *storeModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "jobs.store"}
}

func (m *storeModule) Stop(context.Context) error {
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// managerModule restores history and jobs at start, ensures declared jobs
// at start and on reload, and stops running jobs on shutdown.
type managerModule struct {
	mgr      *manager.Manager
	reg      *registry.Registry
	declared func() []job.Spec
	logger   *slog.Logger
}

func (m *managerModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "jobs.manager"}
}

func (m *managerModule) Start() error {
	ctx := context.Background()
	loaded, err := m.reg.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading execution history: %w", err)
	}
	scheduled, err := m.mgr.Restore(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("jobs restored", "executions", loaded, "scheduled", scheduled)
	return m.ensureDeclared(ctx)
}

func (m *managerModule) Stop(ctx context.Context) error {
	return m.mgr.Stop(ctx)
}

func (m *managerModule) Reload(ctx context.Context) error {
	return m.ensureDeclared(ctx)
}

// ensureDeclared creates or updates every declared job. One bad job does
// not keep the others from being applied.
func (m *managerModule) ensureDeclared(ctx context.Context) error {
	var errs []error
	for _, spec := range m.declared() {
		if _, err := m.mgr.EnsureJob(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("declared job %s: %w", spec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// schedulerModule runs the due-job loop.
type schedulerModule struct {
	sched *scheduler.Scheduler
}

func (m *schedulerModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "jobs.scheduler"}
}

func (m *schedulerModule) Start() error {
	m.sched.Start()
	return nil
}

func (m *schedulerModule) Stop(ctx context.Context) error {
	return m.sched.Stop(ctx)
}

// ipcModule serves the control socket.
type ipcModule struct {
	server *ipc.Server
}

func (m *ipcModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "ipc.server"}
}

func (m *ipcModule) Start() error { return m.server.Start() }

func (m *ipcModule) Stop(ctx context.Context) error { return m.server.Stop(ctx) }
