package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/security"
)

// Jobs is the job lifecycle surface the daemon exposes. *manager.Manager
// implements it.
type Jobs interface {
	AddJob(ctx context.Context, spec job.Spec) (job.Spec, error)
	UpdateJob(ctx context.Context, spec job.Spec) (job.Spec, error)
	RemoveJob(ctx context.Context, id string, force, purge bool) error
	GetJob(ctx context.Context, id string) (manager.JobInfo, error)
	ListJobs(ctx context.Context, filter job.Filter) ([]manager.JobInfo, error)
	StartJob(ctx context.Context, id string) (job.Execution, error)
	StopJob(ctx context.Context, id, signal string) (job.Execution, error)
	TriggerJob(ctx context.Context, id string) (job.Execution, error)
	Status(ctx context.Context) manager.Status
}

// History is the execution history surface. *registry.Registry implements
// it.
type History interface {
	GetJobHistory(jobID string, limit int) []job.Execution
	SearchExecutions(filter job.ExecutionFilter) []job.Execution
	GetJobStatistics(jobID string) (registry.JobStatistics, error)
	GetAllStatistics() registry.Statistics
	GenerateReport(format registry.Format) ([]byte, error)
	Export(path string, format registry.Format) (int, error)
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Jobs    Jobs
	History History
	Version string

	// Socket is reported by getStatus.
	Socket string
	Logger *slog.Logger
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher maps operations onto the job manager and the registry.
type Dispatcher struct {
	cfg      DispatcherConfig
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher serving every operation.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{cfg: cfg, logger: cfg.Logger.With("component", "ipc")}
	d.handlers = map[string]handlerFunc{
		OpAddJob:           d.addJob,
		OpUpdateJob:        d.updateJob,
		OpRemoveJob:        d.removeJob,
		OpListJobs:         d.listJobs,
		OpGetJob:           d.getJob,
		OpStartJob:         d.startJob,
		OpStopJob:          d.stopJob,
		OpTriggerJob:       d.triggerJob,
		OpGetStatus:        d.getStatus,
		OpGetJobHistory:    d.getJobHistory,
		OpSearchExecutions: d.searchExecutions,
		OpGetJobStatistics: d.getJobStatistics,
		OpGenerateReport:   d.generateReport,
		OpExport:           d.export,
		OpPing:             d.ping,
	}
	return d
}

// Dispatch runs one request and builds its response. It never fails: every
// error is reported in the response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	h, ok := d.handlers[req.Operation]
	if !ok {
		return errorResponse(req.ID, job.Invalid("operation", "unknown operation %q", req.Operation))
	}

	result, err := h(ctx, req.Args)
	if err != nil {
		if code := codeFor(err); code >= CodeInternal {
			d.logger.Error("ipc: operation failed", "operation", req.Operation, "error", err)
		} else {
			d.logger.Debug("ipc: operation rejected", "operation", req.Operation, "error", err)
		}
		return errorResponse(req.ID, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, fmt.Errorf("ipc: encode result: %w", err))
	}
	return Response{ID: req.ID, Result: raw}
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Error: &WireError{Message: err.Error(), Code: codeFor(err)}}
}

// codeFor classifies err onto a wire code.
func codeFor(err error) int {
	switch {
	case errors.Is(err, job.ErrValidation), errors.Is(err, registry.ErrUnknownFormat):
		return CodeValidation
	case errors.Is(err, job.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, job.ErrAlreadyExists), errors.Is(err, job.ErrAlreadyRunning),
		errors.Is(err, job.ErrNotRunning), errors.Is(err, job.ErrJobRunning):
		return CodeConflict
	case errors.Is(err, ErrShuttingDown), errors.Is(err, manager.ErrClosed):
		return CodeShutdown
	default:
		return CodeInternal
	}
}

func (d *Dispatcher) addJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var spec job.Spec
	if err := decodeArgs(raw, &spec); err != nil {
		return nil, err
	}
	return d.cfg.Jobs.AddJob(ctx, spec)
}

func (d *Dispatcher) updateJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var spec job.Spec
	if err := decodeArgs(raw, &spec); err != nil {
		return nil, err
	}
	if err := requireID(spec.ID); err != nil {
		return nil, err
	}
	return d.cfg.Jobs.UpdateJob(ctx, spec)
}

func (d *Dispatcher) removeJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var args RemoveJobArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireID(args.ID); err != nil {
		return nil, err
	}
	if err := d.cfg.Jobs.RemoveJob(ctx, args.ID, args.Force, args.Purge); err != nil {
		return nil, err
	}
	return RemoveJobResult{ID: args.ID, Removed: true}, nil
}

func (d *Dispatcher) listJobs(ctx context.Context, raw json.RawMessage) (any, error) {
	var filter job.Filter
	if err := decodeArgs(raw, &filter); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, job.Invalid("status", "unknown status %q", filter.Status)
	}
	return d.cfg.Jobs.ListJobs(ctx, filter)
}

// jobOp decodes JobArgs and applies fn to the id.
func jobOp[T any](raw json.RawMessage, fn func(id string) (T, error)) (any, error) {
	var args JobArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireID(args.ID); err != nil {
		return nil, err
	}
	return fn(args.ID)
}

func (d *Dispatcher) getJob(ctx context.Context, raw json.RawMessage) (any, error) {
	return jobOp(raw, func(id string) (manager.JobInfo, error) { return d.cfg.Jobs.GetJob(ctx, id) })
}

func (d *Dispatcher) startJob(ctx context.Context, raw json.RawMessage) (any, error) {
	return jobOp(raw, func(id string) (job.Execution, error) { return d.cfg.Jobs.StartJob(ctx, id) })
}

func (d *Dispatcher) triggerJob(ctx context.Context, raw json.RawMessage) (any, error) {
	return jobOp(raw, func(id string) (job.Execution, error) { return d.cfg.Jobs.TriggerJob(ctx, id) })
}

func (d *Dispatcher) stopJob(ctx context.Context, raw json.RawMessage) (any, error) {
	var args StopJobArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireID(args.ID); err != nil {
		return nil, err
	}
	return d.cfg.Jobs.StopJob(ctx, args.ID, args.Signal)
}

func (d *Dispatcher) getStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	return DaemonStatus{
		Version: d.cfg.Version,
		PID:     os.Getpid(),
		Socket:  d.cfg.Socket,
		Status:  d.cfg.Jobs.Status(ctx),
	}, nil
}

func (d *Dispatcher) getJobHistory(_ context.Context, raw json.RawMessage) (any, error) {
	var args HistoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := requireID(args.ID); err != nil {
		return nil, err
	}
	if args.Limit < 0 {
		return nil, job.Invalid("limit", "must be non-negative, got %d", args.Limit)
	}
	return d.cfg.History.GetJobHistory(args.ID, args.Limit), nil
}

func (d *Dispatcher) searchExecutions(_ context.Context, raw json.RawMessage) (any, error) {
	var filter job.ExecutionFilter
	if err := decodeArgs(raw, &filter); err != nil {
		return nil, err
	}
	if filter.Limit < 0 {
		return nil, job.Invalid("limit", "must be non-negative, got %d", filter.Limit)
	}
	return d.cfg.History.SearchExecutions(filter), nil
}

// getJobStatistics answers for jobs with retained history, removed or not.
// A known job that never ran gets zero counts; an unknown id is not found.
func (d *Dispatcher) getJobStatistics(ctx context.Context, raw json.RawMessage) (any, error) {
	var args StatisticsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return d.cfg.History.GetAllStatistics(), nil
	}
	stats, err := d.cfg.History.GetJobStatistics(args.ID)
	if !errors.Is(err, job.ErrNotFound) {
		return stats, err
	}
	if _, jobErr := d.cfg.Jobs.GetJob(ctx, args.ID); jobErr != nil {
		return nil, jobErr
	}
	return stats, nil
}

func (d *Dispatcher) generateReport(_ context.Context, raw json.RawMessage) (any, error) {
	var args ReportArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	format, err := registry.ParseFormat(args.Format, registry.FormatText)
	if err != nil {
		return nil, err
	}
	out, err := d.cfg.History.GenerateReport(format)
	if err != nil {
		return nil, err
	}
	return ReportResult{Format: string(format), Content: string(out)}, nil
}

func (d *Dispatcher) export(_ context.Context, raw json.RawMessage) (any, error) {
	var args ExportArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(args.Path) {
		return nil, job.Invalid("path", "must be absolute, got %q", args.Path)
	}
	if err := security.ValidatePath(args.Path); err != nil {
		return nil, job.Invalid("path", "%v", err)
	}
	format, err := registry.ParseFormat(args.Format, registry.FormatJSON)
	if err != nil {
		return nil, err
	}
	n, err := d.cfg.History.Export(args.Path, format)
	if err != nil {
		return nil, err
	}
	return ExportResult{Path: args.Path, Format: string(format), Records: n}, nil
}

func (d *Dispatcher) ping(context.Context, json.RawMessage) (any, error) {
	return PingResult{Pong: true, Version: d.cfg.Version, PID: os.Getpid()}, nil
}
