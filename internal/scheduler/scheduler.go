// Package scheduler decides when scheduled jobs are due. Jobs are kept in a
// B-tree ordered by next-run time so determining the due set costs
// O(k log n) for k due jobs out of n, and a single background loop sleeps
// until the next firing.
package scheduler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/jobd/internal/job"
)

// Default loop tuning.
const (
	DefaultMinCheckInterval = 100 * time.Millisecond
	DefaultMaxCheckInterval = 30 * time.Second
	DefaultDueBuffer        = 100 * time.Millisecond
)

// NotifyFunc receives one due notification per job and firing.
type NotifyFunc func(spec job.Spec)

// Config tunes a Scheduler. Zero values select the defaults.
type Config struct {
	// MinCheckInterval is the shortest sleep of the background loop.
	MinCheckInterval time.Duration

	// MaxCheckInterval is the longest sleep of the background loop, used
	// when nothing is scheduled.
	MaxCheckInterval time.Duration

	// DueBuffer makes jobs due slightly before their next-run time so a
	// timer firing a few milliseconds early does not miss them.
	DueBuffer time.Duration

	// Notify is called for every due job found by CheckScheduledJobs.
	Notify NotifyFunc

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.MinCheckInterval <= 0 {
		c.MinCheckInterval = DefaultMinCheckInterval
	}
	if c.MaxCheckInterval <= 0 {
		c.MaxCheckInterval = DefaultMaxCheckInterval
	}
	if c.MaxCheckInterval < c.MinCheckInterval {
		c.MaxCheckInterval = c.MinCheckInterval
	}
	if c.DueBuffer < 0 {
		c.DueBuffer = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// scheduled is the scheduler's copy of a job and its parsed cron
// expression, if any.
type scheduled struct {
	spec job.Spec
	cron *job.CronExpr
}

// Scheduler holds scheduled jobs and reports which are due.
// All methods are safe for concurrent use.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	queue    *queue
	jobs     map[string]*scheduled
	counters counters

	loopMu sync.Mutex
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New creates a scheduler. Call Start to run the background loop.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "scheduler"),
		queue:  newQueue(),
		jobs:   make(map[string]*scheduled),
		wake:   make(chan struct{}, 1),
	}
}

// AddJob admits a scheduled job, replacing any entry with the same id.
// It returns false, logs the reason and counts a rejection when the job has
// no schedule or its schedule is invalid.
func (s *Scheduler) AddJob(spec job.Spec) bool {
	s.mu.Lock()
	ok, first := s.addLocked(spec.Clone())
	s.mu.Unlock()

	if ok && first {
		s.signal()
	}
	return ok
}

// UpdateJob replaces the schedule of a job. A job whose new schedule is
// absent or invalid is removed. It reports whether the job is scheduled
// after the call.
func (s *Scheduler) UpdateJob(spec job.Spec) bool {
	s.mu.Lock()
	s.queue.remove(spec.ID)
	delete(s.jobs, spec.ID)
	ok, first := s.addLocked(spec.Clone())
	s.mu.Unlock()

	if ok && first {
		s.signal()
	}
	return ok
}

// addLocked validates and inserts spec. first reports whether the new entry
// became the earliest one, in which case the loop should be woken.
func (s *Scheduler) addLocked(spec job.Spec) (ok, first bool) {
	sc, next, err := s.prepare(spec, s.cfg.Now())
	if err != nil {
		s.counters.rejected++
		s.logger.Warn("scheduler: job rejected", "job", spec.ID, "name", spec.Name, "error", err)
		return false, false
	}

	s.queue.remove(spec.ID)
	s.jobs[spec.ID] = sc
	e := s.queue.push(spec.ID, next)

	head, _ := s.queue.peek()
	s.logger.Debug("scheduler: job added", "job", spec.ID, "next_run", next)
	return true, head.id == e.id
}

// prepare resolves the first firing of spec.
func (s *Scheduler) prepare(spec job.Spec, now time.Time) (*scheduled, time.Time, error) {
	if spec.Schedule == nil {
		return nil, time.Time{}, errors.New("job has no schedule")
	}
	if errs := job.ValidateSchedule(spec.Schedule); len(errs) > 0 {
		return nil, time.Time{}, errors.Join(errs...)
	}

	sc := &scheduled{spec: spec}
	if spec.Schedule.IsCron() {
		expr, err := job.ParseCron(spec.Schedule.Cron)
		if err != nil {
			return nil, time.Time{}, err
		}
		next := expr.Next(now)
		if next.IsZero() {
			return nil, time.Time{}, errors.New("cron expression has no upcoming firing")
		}
		sc.cron = expr
		return sc, next, nil
	}

	var next time.Time
	if spec.Schedule.NextRun != nil {
		next = *spec.Schedule.NextRun
	} else {
		next = now.Add(spec.Schedule.Every())
		sc.spec.Schedule.NextRun = &next
	}
	return sc, next, nil
}

// RemoveJob unschedules a job. It reports whether the job was scheduled.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.queue.remove(id)
	s.logger.Debug("scheduler: job removed", "job", id)
	return true
}

// DueJobs pops every job whose next run is at or before now plus the due
// buffer, earliest first, and reschedules it. Interval jobs advance by
// exactly one interval from their previous next-run; cron jobs advance to
// the first match after the later of their firing time and now. The result
// is never nil.
func (s *Scheduler) DueJobs(now time.Time) []job.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(now)
}

func (s *Scheduler) dueLocked(now time.Time) []job.Spec {
	popped := s.queue.popDue(now.Add(s.cfg.DueBuffer))
	due := make([]job.Spec, 0, len(popped))

	for _, e := range popped {
		sc, ok := s.jobs[e.id]
		if !ok {
			continue
		}
		due = append(due, sc.spec.Clone())

		next := s.advance(sc, e.next, now)
		if next.IsZero() {
			delete(s.jobs, e.id)
			s.logger.Warn("scheduler: job has no further firing, unscheduled", "job", e.id)
			continue
		}
		if sc.spec.Schedule.IsInterval() {
			n := next
			sc.spec.Schedule.NextRun = &n
		}
		s.queue.push(e.id, next)
	}

	s.counters.executed += uint64(len(due))
	return due
}

func (s *Scheduler) advance(sc *scheduled, fired, now time.Time) time.Time {
	if sc.cron != nil {
		from := fired
		if now.After(from) {
			from = now
		}
		return sc.cron.Next(from)
	}
	return fired.Add(sc.spec.Schedule.Every())
}

// CheckScheduledJobs collects the jobs due now, reschedules them and sends
// one notification per job through Config.Notify. A panicking callback is
// logged and does not prevent the remaining notifications.
func (s *Scheduler) CheckScheduledJobs() []job.Spec {
	start := time.Now()

	s.mu.Lock()
	due := s.dueLocked(s.cfg.Now())
	s.counters.observeCheck(start, time.Since(start))
	s.mu.Unlock()

	if s.cfg.Notify != nil {
		for _, spec := range due {
			s.notify(spec)
		}
	}
	return due
}

func (s *Scheduler) notify(spec job.Spec) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: due notification panicked", "job", spec.ID, "panic", r)
		}
	}()
	s.cfg.Notify(spec)
}

// TimeUntilNextJob returns the delay before the earliest scheduled firing,
// zero if it is already due. ok is false when nothing is scheduled.
func (s *Scheduler) TimeUntilNextJob() (d time.Duration, ok bool) {
	s.mu.Lock()
	head, ok := s.queue.peek()
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	if d = head.next.Sub(s.cfg.Now()); d < 0 {
		d = 0
	}
	return d, true
}

// NextRun returns the next firing of a scheduled job.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue.get(id)
	return e.next, ok
}

// Has reports whether id is scheduled.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Metrics returns a snapshot of the scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.snapshot(len(s.jobs))
}
