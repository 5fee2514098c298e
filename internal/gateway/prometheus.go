package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// collectTimeout bounds the engine status read done per scrape.
const collectTimeout = 5 * time.Second

// newPrometheusRegistry returns a registry exposing the engine collector
// alongside the Go runtime and process collectors.
func newPrometheusRegistry(jobs JobStatus, history History, metrics *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newEngineCollector(jobs, history, metrics),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// engineCollector reads manager and registry state at scrape time, so the
// exposed values never drift from what getStatus reports.
type engineCollector struct {
	jobs    JobStatus
	history History
	metrics *Metrics

	jobsTotal       *prometheus.Desc
	running         *prometheus.Desc
	pendingRetries  *prometheus.Desc
	launched        *prometheus.Desc
	missedRuns      *prometheus.Desc
	persistFailures *prometheus.Desc
	scheduled       *prometheus.Desc
	checks          *prometheus.Desc
	lastCheck       *prometheus.Desc
	executions      *prometheus.Desc
	successRatio    *prometheus.Desc
	avgDuration     *prometheus.Desc
	evicted         *prometheus.Desc
	httpRequests    *prometheus.Desc
	streams         *prometheus.Desc
}

func newEngineCollector(jobs JobStatus, history History, metrics *Metrics) *engineCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("jobd", "", name), help, labels, nil)
	}
	return &engineCollector{
		jobs:            jobs,
		history:         history,
		metrics:         metrics,
		jobsTotal:       desc("jobs", "Number of stored job definitions."),
		running:         desc("running_executions", "Executions currently running."),
		pendingRetries:  desc("pending_retries", "Failed runs waiting for their retry."),
		launched:        desc("executions_launched_total", "Executions launched since the daemon started."),
		missedRuns:      desc("missed_runs_total", "Scheduled firings skipped because the previous run was still going."),
		persistFailures: desc("persist_failures_total", "Execution records that could not be written to storage."),
		scheduled:       desc("scheduler_jobs", "Jobs held by the scheduler."),
		checks:          desc("scheduler_checks_total", "Due-job checks performed by the scheduler loop."),
		lastCheck:       desc("scheduler_last_check_seconds", "Duration of the most recent due-job check."),
		executions:      desc("job_executions", "Retained executions per job and status.", "job", "status"),
		successRatio:    desc("job_success_ratio", "Completed share of the finished retained executions of a job.", "job"),
		avgDuration:     desc("job_average_duration_seconds", "Average duration of the finished retained executions of a job.", "job"),
		evicted:         desc("registry_evicted_total", "Execution records dropped by the retention caps."),
		httpRequests:    desc("gateway_requests_total", "HTTP requests served by the gateway."),
		streams:         desc("gateway_active_streams", "Open websocket execution streams."),
	}
}

// Describe implements prometheus.Collector.
func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.jobsTotal, c.running, c.pendingRetries, c.launched, c.missedRuns,
		c.persistFailures, c.scheduled, c.checks, c.lastCheck, c.executions,
		c.successRatio, c.avgDuration, c.evicted, c.httpRequests, c.streams,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	st := c.jobs.Status(ctx)
	if st.Jobs >= 0 {
		ch <- prometheus.MustNewConstMetric(c.jobsTotal, prometheus.GaugeValue, float64(st.Jobs))
	}
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(len(st.Running)))
	ch <- prometheus.MustNewConstMetric(c.pendingRetries, prometheus.GaugeValue, float64(st.PendingRetries))
	ch <- prometheus.MustNewConstMetric(c.launched, prometheus.CounterValue, float64(st.Launched))
	ch <- prometheus.MustNewConstMetric(c.missedRuns, prometheus.CounterValue, float64(st.MissedRuns))
	ch <- prometheus.MustNewConstMetric(c.persistFailures, prometheus.CounterValue, float64(st.PersistFailures))
	ch <- prometheus.MustNewConstMetric(c.scheduled, prometheus.GaugeValue, float64(st.Scheduler.TotalJobs))
	ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(st.Scheduler.TotalChecks))
	ch <- prometheus.MustNewConstMetric(c.lastCheck, prometheus.GaugeValue, st.Scheduler.LastCheckTime.Seconds())

	stats := c.history.GetAllStatistics()
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(stats.Evicted))
	for _, j := range stats.Jobs {
		for status, n := range map[string]int{
			"running":   j.Running,
			"completed": j.Completed,
			"failed":    j.Failed,
			"killed":    j.Killed,
			"timeout":   j.Timeout,
		} {
			ch <- prometheus.MustNewConstMetric(c.executions, prometheus.GaugeValue, float64(n), j.JobID, status)
		}
		ch <- prometheus.MustNewConstMetric(c.successRatio, prometheus.GaugeValue, j.SuccessRate, j.JobID)
		avg := time.Duration(j.AverageDuration) * time.Millisecond
		ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, avg.Seconds(), j.JobID)
	}

	snap := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.httpRequests, prometheus.CounterValue, float64(snap.Requests))
	ch <- prometheus.MustNewConstMetric(c.streams, prometheus.GaugeValue, float64(snap.ActiveStreams))
}

// promLogger adapts slog to promhttp's error logger.
type promLogger struct {
	logger *slog.Logger
}

func (l promLogger) Println(v ...any) {
	l.logger.Error("gateway: metrics", "error", fmt.Sprint(v...))
}
