package registry

import (
	"cmp"
	"slices"
	"time"

	"github.com/flemzord/jobd/internal/job"
)

// SearchExecutions returns executions matching filter, newest first. The
// result size is capped at filter.Limit and never exceeds 1000.
func (r *Registry) SearchExecutions(filter job.ExecutionFilter) []job.Execution {
	limit := filter.Limit
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.Execution, 0)
	if filter.JobID != "" {
		for _, rec := range r.byJob[filter.JobID] {
			if len(out) == limit {
				break
			}
			if exec := rec.Snapshot(); matches(&exec, filter) {
				out = append(out, exec)
			}
		}
		return out
	}

	for e := r.order.Back(); e != nil && len(out) < limit; e = e.Prev() {
		if exec := e.Value.(*Record).Snapshot(); matches(&exec, filter) {
			out = append(out, exec)
		}
	}
	return out
}

func matches(exec *job.Execution, f job.ExecutionFilter) bool {
	if f.JobID != "" && exec.JobID != f.JobID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, exec.Status) {
		return false
	}
	if f.User != "" && exec.User != f.User {
		return false
	}
	if f.Since != nil && exec.StartTime.Before(*f.Since) {
		return false
	}
	if f.Until != nil && exec.StartTime.After(*f.Until) {
		return false
	}
	return true
}

// JobStatistics summarizes the retained history of one job.
type JobStatistics struct {
	JobID           string     `json:"jobId"`
	JobName         string     `json:"jobName,omitempty"`
	Total           int        `json:"total"`
	Running         int        `json:"running"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	Killed          int        `json:"killed"`
	Timeout         int        `json:"timeout"`
	SuccessRate     float64    `json:"successRate"`     // completed / finished, 0..1
	AverageDuration int64      `json:"averageDuration"` // milliseconds, finished runs
	MinDuration     int64      `json:"minDuration"`
	MaxDuration     int64      `json:"maxDuration"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	LastStatus      job.Status `json:"lastStatus,omitempty"`
}

// Statistics summarizes the whole registry.
type Statistics struct {
	TotalExecutions int             `json:"totalExecutions"`
	Running         int             `json:"running"`
	ByStatus        map[string]int  `json:"byStatus"`
	SuccessRate     float64         `json:"successRate"`
	AverageDuration int64           `json:"averageDuration"`
	Jobs            []JobStatistics `json:"jobs"`
	Evicted         int64           `json:"evicted"`
	PersistFailures int64           `json:"persistFailures"`
	DroppedEvents   int64           `json:"droppedEvents"`
}

type accumulator struct {
	stats    JobStatistics
	finished int
	totalDur int64
}

func (a *accumulator) add(exec *job.Execution) {
	s := &a.stats
	s.Total++
	if s.JobName == "" {
		s.JobName = exec.JobName
	}
	if s.LastRun == nil || exec.StartTime.After(*s.LastRun) {
		t := exec.StartTime
		s.LastRun = &t
		s.LastStatus = exec.Status
	}

	switch exec.Status {
	case job.StatusRunning:
		s.Running++
		return
	case job.StatusCompleted:
		s.Completed++
	case job.StatusFailed:
		s.Failed++
	case job.StatusKilled:
		s.Killed++
	case job.StatusTimeout:
		s.Timeout++
	}

	a.finished++
	a.totalDur += exec.Duration
	if a.finished == 1 || exec.Duration < s.MinDuration {
		s.MinDuration = exec.Duration
	}
	if exec.Duration > s.MaxDuration {
		s.MaxDuration = exec.Duration
	}
}

func (a *accumulator) result() JobStatistics {
	s := a.stats
	if a.finished > 0 {
		s.SuccessRate = float64(s.Completed) / float64(a.finished)
		s.AverageDuration = a.totalDur / int64(a.finished)
	}
	return s
}

// GetJobStatistics summarizes the retained executions of jobID. It returns
// job.ErrNotFound when no execution of jobID is retained.
func (r *Registry) GetJobStatistics(jobID string) (JobStatistics, error) {
	acc := accumulator{stats: JobStatistics{JobID: jobID}}

	r.mu.RLock()
	recs := r.byJob[jobID]
	for _, rec := range recs {
		exec := rec.Snapshot()
		acc.add(&exec)
	}
	r.mu.RUnlock()

	if len(recs) == 0 {
		return acc.stats, job.NotFound("job", jobID)
	}
	return acc.result(), nil
}

// GetAllStatistics summarizes every retained execution, with one entry per
// job sorted by job id.
func (r *Registry) GetAllStatistics() Statistics {
	perJob := make(map[string]*accumulator)
	var all accumulator

	r.mu.RLock()
	for e := r.order.Front(); e != nil; e = e.Next() {
		exec := e.Value.(*Record).Snapshot()
		acc, ok := perJob[exec.JobID]
		if !ok {
			acc = &accumulator{stats: JobStatistics{JobID: exec.JobID}}
			perJob[exec.JobID] = acc
		}
		acc.add(&exec)
		all.add(&exec)
	}
	r.mu.RUnlock()

	total := all.result()
	stats := Statistics{
		TotalExecutions: total.Total,
		Running:         total.Running,
		ByStatus: map[string]int{
			string(job.StatusRunning):   total.Running,
			string(job.StatusCompleted): total.Completed,
			string(job.StatusFailed):    total.Failed,
			string(job.StatusKilled):    total.Killed,
			string(job.StatusTimeout):   total.Timeout,
		},
		SuccessRate:     total.SuccessRate,
		AverageDuration: total.AverageDuration,
		Jobs:            make([]JobStatistics, 0, len(perJob)),
		Evicted:         r.evicted.Load(),
		PersistFailures: r.persistFailures.Load(),
		DroppedEvents:   r.dropped.Load(),
	}
	for _, acc := range perJob {
		stats.Jobs = append(stats.Jobs, acc.result())
	}
	slices.SortFunc(stats.Jobs, func(a, b JobStatistics) int {
		return cmp.Compare(a.JobID, b.JobID)
	})
	return stats
}
