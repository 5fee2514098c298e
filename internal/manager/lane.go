package manager

import "sync"

// LaneLock provides per-job serialization. Mutating operations and run
// finalization on the same job happen one at a time, while different jobs
// proceed concurrently.
//
// A global mutex protects the lane map; each lane has its own mutex. The
// global mutex is held only briefly to look up or create a lane, and lanes
// are dropped once nobody holds or waits on them.
type LaneLock struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane stores per-job synchronization metadata.
// refs counts goroutines that acquired (or are waiting on) this lane.
type lane struct {
	mu   sync.Mutex
	refs int
}

// NewLaneLock creates a ready-to-use LaneLock.
func NewLaneLock() *LaneLock {
	return &LaneLock{
		lanes: make(map[string]*lane),
	}
}

// Acquire gets or creates the lane of jobID and locks it.
// The caller must call Release with the same id when done.
func (l *LaneLock) Acquire(jobID string) {
	l.mu.Lock()
	ln, ok := l.lanes[jobID]
	if !ok {
		ln = &lane{}
		l.lanes[jobID] = ln
	}
	ln.refs++
	l.mu.Unlock()

	// Lock outside the global mutex so other jobs are not blocked.
	ln.mu.Lock()
}

// Release unlocks the lane of jobID.
// The caller must have previously called Acquire with the same id.
func (l *LaneLock) Release(jobID string) {
	l.mu.Lock()
	ln, ok := l.lanes[jobID]
	if !ok {
		l.mu.Unlock()
		return
	}
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, jobID)
	}
	l.mu.Unlock()

	ln.mu.Unlock()
}

// Len returns the number of live lanes.
func (l *LaneLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
