package scheduler

import "time"

// estimatedBytesPerJob approximates the resident cost of one scheduled job:
// the B-tree entry, the index map slot and the retained job definition.
const estimatedBytesPerJob = 512

// Metrics is a point-in-time view of scheduler activity.
type Metrics struct {
	TotalJobs            int           `json:"totalJobs"`
	TotalChecks          uint64        `json:"totalChecks"`
	TotalExecuted        uint64        `json:"totalExecuted"`
	Rejected             uint64        `json:"rejected"`
	AverageCheckTime     time.Duration `json:"averageCheckTime"`
	LastCheckTime        time.Duration `json:"lastCheckTime"`
	LastCheckAt          time.Time     `json:"lastCheckAt,omitzero"`
	EstimatedMemoryBytes int64         `json:"estimatedMemoryBytes"`
}

type counters struct {
	checks        uint64
	executed      uint64
	rejected      uint64
	totalCheckDur time.Duration
	lastCheckDur  time.Duration
	lastCheckAt   time.Time
}

func (c *counters) observeCheck(at time.Time, d time.Duration) {
	c.checks++
	c.totalCheckDur += d
	c.lastCheckDur = d
	c.lastCheckAt = at
}

func (c *counters) snapshot(jobs int) Metrics {
	m := Metrics{
		TotalJobs:            jobs,
		TotalChecks:          c.checks,
		TotalExecuted:        c.executed,
		Rejected:             c.rejected,
		LastCheckTime:        c.lastCheckDur,
		LastCheckAt:          c.lastCheckAt,
		EstimatedMemoryBytes: int64(jobs) * estimatedBytesPerJob,
	}
	if c.checks > 0 {
		m.AverageCheckTime = c.totalCheckDur / time.Duration(c.checks)
	}
	return m
}
