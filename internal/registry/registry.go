// Package registry keeps the execution history of jobs: one record per run,
// mutated in place while the run streams output and finalized on exit.
// History is bounded per job and globally, oldest records evicted first,
// and can be searched, summarized, reported and exported.
package registry

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/storage"
)

// Default retention caps.
const (
	DefaultMaxRecordsPerJob = 100
	DefaultMaxTotalRecords  = 10000
)

// maxSearchResults caps a single search, whatever limit the caller asks.
const maxSearchResults = 1000

// restartMessage is recorded on executions a previous daemon left running.
const restartMessage = "daemon restarted before the execution finished"

// Config configures a Registry. Zero values select the defaults.
type Config struct {
	MaxRecordsPerJob int
	MaxTotalRecords  int

	// Store persists records. Nil keeps history in memory only.
	Store storage.ExecutionStore

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.MaxRecordsPerJob <= 0 {
		c.MaxRecordsPerJob = DefaultMaxRecordsPerJob
	}
	if c.MaxTotalRecords <= 0 {
		c.MaxTotalRecords = DefaultMaxTotalRecords
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// StartOptions describes a run being recorded.
type StartOptions struct {
	// ExecutionID is generated as exec_<random> when empty.
	ExecutionID string
	Trigger     job.Trigger
	Attempt     int
	PID         int
}

// Completion is the outcome of a run.
type Completion struct {
	Status   job.Status
	ExitCode *int
	Signal   string
	Error    string
}

// Registry is the execution history store. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	byID  map[string]*Record
	byJob map[string][]*Record // newest first
	order *list.List           // of *Record, oldest at the front

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	persistFailures atomic.Int64
	evicted         atomic.Int64
	dropped         atomic.Int64
}

// New creates an empty registry. Call Load to hydrate it from the store.
func New(cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "registry"),
		byID:   make(map[string]*Record),
		byJob:  make(map[string][]*Record),
		order:  list.New(),
		subs:   make(map[int]chan Event),
	}
}

// RecordJobStart opens a running execution for spec. The returned handle
// is valid even when err wraps ErrPersist.
func (r *Registry) RecordJobStart(ctx context.Context, spec job.Spec, opts StartOptions) (*Record, error) {
	id := opts.ExecutionID
	if id == "" {
		id = job.NewExecutionID()
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = job.TriggerManual
	}

	rec := newRecord(job.Execution{
		ID:        id,
		JobID:     spec.ID,
		JobName:   spec.Name,
		Command:   spec.CommandLine(),
		User:      spec.User,
		Trigger:   trigger,
		Attempt:   opts.Attempt,
		PID:       opts.PID,
		StartTime: r.cfg.Now(),
		Status:    job.StatusRunning,
	})

	evicted, err := r.insert(rec)
	if err != nil {
		return nil, err
	}
	r.deleteEvicted(ctx, evicted)

	snap := rec.Snapshot()
	ev := snap
	r.publish(Event{Type: EventStarted, Execution: &ev, ExecutionID: id, JobID: spec.ID})
	return rec, r.persist(ctx, snap)
}

// SetPID records the process id once the child has been spawned.
func (r *Registry) SetPID(execID string, pid int) error {
	rec, err := r.lookup(execID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.exec.PID = pid
	rec.mu.Unlock()
	return nil
}

// RecordJobOutput appends chunk to the stdout or stderr buffer of a
// running execution.
func (r *Registry) RecordJobOutput(execID, stream, chunk string) error {
	if stream != job.StreamStdout && stream != job.StreamStderr {
		return job.Invalid("stream", "must be %q or %q, got %q", job.StreamStdout, job.StreamStderr, stream)
	}
	rec, err := r.lookup(execID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.exec.Status.Terminal() {
		rec.mu.Unlock()
		return fmt.Errorf("execution %s: %w", execID, ErrFinished)
	}
	if stream == job.StreamStdout {
		rec.stdout.WriteString(chunk)
	} else {
		rec.stderr.WriteString(chunk)
	}
	jobID := rec.exec.JobID
	rec.mu.Unlock()

	r.publish(Event{Type: EventOutput, ExecutionID: execID, JobID: jobID, Stream: stream, Chunk: chunk})
	return nil
}

// RecordJobCompletion finalizes an execution with a terminal status and
// returns its final state. The returned execution is valid even when err
// wraps ErrPersist.
func (r *Registry) RecordJobCompletion(ctx context.Context, execID string, c Completion) (job.Execution, error) {
	if !c.Status.Terminal() {
		return job.Execution{}, job.Invalid("status", "%q is not a terminal status", c.Status)
	}
	rec, err := r.lookup(execID)
	if err != nil {
		return job.Execution{}, err
	}

	rec.mu.Lock()
	if rec.exec.Status.Terminal() {
		rec.mu.Unlock()
		return job.Execution{}, fmt.Errorf("execution %s: %w", execID, ErrFinished)
	}
	end := r.cfg.Now()
	if end.Before(rec.exec.StartTime) {
		end = rec.exec.StartTime
	}
	rec.exec.EndTime = &end
	rec.exec.Duration = end.Sub(rec.exec.StartTime).Milliseconds()
	rec.exec.Status = c.Status
	if c.ExitCode != nil {
		rec.exec.ExitCode = job.IntPtr(*c.ExitCode)
	}
	rec.exec.Signal = c.Signal
	rec.exec.ErrorMessage = c.Error
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	ev := snap
	r.publish(Event{Type: EventCompleted, Execution: &ev, ExecutionID: execID, JobID: snap.JobID})
	err = r.persist(ctx, snap)

	// Records kept past the caps while running become evictable now.
	r.deleteEvicted(ctx, r.trim(snap.JobID))
	return snap, err
}

// Get returns the live handle of an execution.
func (r *Registry) Get(execID string) (*Record, error) {
	return r.lookup(execID)
}

// GetExecution returns a snapshot of an execution.
func (r *Registry) GetExecution(execID string) (job.Execution, error) {
	rec, err := r.lookup(execID)
	if err != nil {
		return job.Execution{}, err
	}
	return rec.Snapshot(), nil
}

// GetJobHistory returns up to limit executions of jobID, newest first.
// A limit of zero or less returns every retained record.
func (r *Registry) GetJobHistory(jobID string, limit int) []job.Execution {
	r.mu.RLock()
	recs := r.byJob[jobID]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]job.Execution, 0, limit)
	for _, rec := range recs[:limit] {
		out = append(out, rec.Snapshot())
	}
	r.mu.RUnlock()
	return out
}

// Running returns snapshots of every execution still in progress.
func (r *Registry) Running() []job.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []job.Execution
	for e := r.order.Back(); e != nil; e = e.Prev() {
		rec := e.Value.(*Record)
		if rec.status() == job.StatusRunning {
			out = append(out, rec.Snapshot())
		}
	}
	return out
}

// Len returns the number of retained records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Len()
}

// Purge removes every record of jobID from memory and from the store.
// It returns the number of records removed.
func (r *Registry) Purge(ctx context.Context, jobID string) int {
	r.mu.Lock()
	recs := r.byJob[jobID]
	for _, rec := range recs {
		r.order.Remove(rec.elem)
		delete(r.byID, rec.exec.ID)
	}
	delete(r.byJob, jobID)
	r.mu.Unlock()

	r.deleteEvicted(ctx, recs)
	if len(recs) > 0 {
		r.logger.Info("registry: purged job history", "job", jobID, "records", len(recs))
	}
	return len(recs)
}

// Load hydrates the registry from the store, applying the retention caps.
// Records a previous daemon left running are finalized as failed.
// It returns the number of records loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.cfg.Store == nil {
		return 0, nil
	}
	execs, err := r.cfg.Store.ListExecutions(ctx, "", 0)
	if err != nil {
		return 0, fmt.Errorf("registry: load executions: %w", err)
	}

	loaded := 0
	// Newest first from the store; insert oldest first so eviction order holds.
	for i := len(execs) - 1; i >= 0; i-- {
		exec := execs[i]
		if r.has(exec.ID) {
			continue
		}

		if exec.Status == job.StatusRunning {
			end := exec.StartTime
			exec.EndTime = &end
			exec.Duration = 0
			exec.Status = job.StatusFailed
			exec.ErrorMessage = restartMessage
			if err := r.persist(ctx, exec); err != nil {
				r.logger.Warn("registry: could not finalize stale execution", "execution", exec.ID, "error", err)
			}
		}

		evicted, err := r.insert(newRecord(exec))
		if err != nil {
			continue
		}
		r.deleteEvicted(ctx, evicted)
		loaded++
	}

	r.logger.Info("registry: history loaded", "records", r.Len())
	return loaded, nil
}

// PersistFailures returns how many store writes failed.
func (r *Registry) PersistFailures() int64 { return r.persistFailures.Load() }

func (r *Registry) lookup(execID string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.byID[execID]
	r.mu.RUnlock()
	if !ok {
		return nil, job.NotFound("execution", execID)
	}
	return rec, nil
}

func (r *Registry) has(execID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[execID]
	return ok
}

// insert adds rec as the newest record and returns the records evicted to
// honour the caps. An execution id already recorded is refused.
func (r *Registry) insert(rec *Record) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := rec.exec.ID
	if _, dup := r.byID[id]; dup {
		return nil, job.Invalid("executionId", "%q already recorded", id)
	}
	jobID := rec.exec.JobID
	r.byID[id] = rec
	rec.elem = r.order.PushBack(rec)
	r.byJob[jobID] = append([]*Record{rec}, r.byJob[jobID]...)

	return r.trimLocked(jobID), nil
}

// trim applies the caps after jobID's running record finished.
func (r *Registry) trim(jobID string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trimLocked(jobID)
}

// trimLocked evicts the oldest finished records of jobID, then the
// globally oldest finished records, until both caps hold. Running records
// are never evicted; the caps may be exceeded until they finish.
func (r *Registry) trimLocked(jobID string) []*Record {
	var evicted []*Record

	recs := r.byJob[jobID]
	for i := len(recs) - 1; i >= 0 && len(recs) > r.cfg.MaxRecordsPerJob; i-- {
		old := recs[i]
		if old.status() == job.StatusRunning {
			continue
		}
		recs = append(recs[:i], recs[i+1:]...)
		r.order.Remove(old.elem)
		delete(r.byID, old.exec.ID)
		evicted = append(evicted, old)
	}
	if len(recs) == 0 {
		delete(r.byJob, jobID)
	} else {
		r.byJob[jobID] = recs
	}

	for e := r.order.Front(); e != nil && r.order.Len() > r.cfg.MaxTotalRecords; {
		next := e.Next()
		old := e.Value.(*Record)
		if old.status() != job.StatusRunning {
			r.order.Remove(e)
			delete(r.byID, old.exec.ID)
			r.dropFromJob(old)
			evicted = append(evicted, old)
		}
		e = next
	}

	r.evicted.Add(int64(len(evicted)))
	return evicted
}

// dropFromJob removes old from its job's list. Globally-oldest records
// sit near the tail of their job's list.
func (r *Registry) dropFromJob(old *Record) {
	jobID := old.exec.JobID
	recs := r.byJob[jobID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i] == old {
			recs = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(recs) == 0 {
		delete(r.byJob, jobID)
		return
	}
	r.byJob[jobID] = recs
}

func (r *Registry) deleteEvicted(ctx context.Context, recs []*Record) {
	if r.cfg.Store == nil {
		return
	}
	for _, rec := range recs {
		id := rec.ID()
		if err := r.cfg.Store.DeleteExecution(ctx, id); err != nil {
			r.persistFailures.Add(1)
			r.logger.Warn("registry: could not delete evicted execution", "execution", id, "error", err)
		}
	}
}

func (r *Registry) persist(ctx context.Context, exec job.Execution) error {
	if r.cfg.Store == nil {
		return nil
	}
	if err := r.cfg.Store.SaveExecution(ctx, exec); err != nil {
		r.persistFailures.Add(1)
		r.logger.Error("registry: persist failed", "execution", exec.ID, "job", exec.JobID, "error", err)
		return fmt.Errorf("%w %s: %w", ErrPersist, exec.ID, err)
	}
	return nil
}
