package registry

import (
	"container/list"
	"strings"
	"sync"

	"github.com/flemzord/jobd/internal/job"
)

// Record is the live handle of one execution. The registry mutates it in
// place as output streams in and on completion; holders observe updates
// through Snapshot without re-fetching.
type Record struct {
	mu     sync.RWMutex
	exec   job.Execution
	stdout strings.Builder
	stderr strings.Builder

	// elem is the record's node in the registry's global age list.
	// Guarded by the registry mutex.
	elem *list.Element
}

// ID returns the execution id.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.ID
}

// JobID returns the owning job id.
func (r *Record) JobID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.JobID
}

// Snapshot returns a copy of the execution as it is now.
func (r *Record) Snapshot() job.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() job.Execution {
	exec := r.exec
	exec.Stdout = r.stdout.String()
	exec.Stderr = r.stderr.String()
	if r.exec.EndTime != nil {
		t := *r.exec.EndTime
		exec.EndTime = &t
	}
	if r.exec.ExitCode != nil {
		exec.ExitCode = job.IntPtr(*r.exec.ExitCode)
	}
	return exec
}

func (r *Record) status() job.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Status
}

func newRecord(exec job.Execution) *Record {
	r := &Record{exec: exec}
	r.stdout.WriteString(exec.Stdout)
	r.stderr.WriteString(exec.Stderr)
	r.exec.Stdout, r.exec.Stderr = "", ""
	return r
}
