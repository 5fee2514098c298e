// Package ipc is the control channel between jobd clients and the daemon:
// newline-delimited JSON requests and responses over a unix socket.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
)

// Operations accepted by the daemon.
const (
	OpAddJob           = "addJob"
	OpRemoveJob        = "removeJob"
	OpUpdateJob        = "updateJob"
	OpListJobs         = "listJobs"
	OpGetJob           = "getJob"
	OpStartJob         = "startJob"
	OpStopJob          = "stopJob"
	OpTriggerJob       = "triggerJob"
	OpGetStatus        = "getStatus"
	OpGetJobHistory    = "getJobHistory"
	OpSearchExecutions = "searchExecutions"
	OpGetJobStatistics = "getJobStatistics"
	OpGenerateReport   = "generateReport"
	OpExport           = "export"
	OpPing             = "ping"
)

// Request is one line sent by a client.
type Request struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Response is one line sent by the daemon. Exactly one of Result and Error
// is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// JobArgs addresses a single job.
type JobArgs struct {
	ID string `json:"id"`
}

// RemoveJobArgs are the arguments of removeJob.
type RemoveJobArgs struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
	Purge bool   `json:"purge,omitempty"`
}

// StopJobArgs are the arguments of stopJob. An empty signal means SIGTERM.
type StopJobArgs struct {
	ID     string `json:"id"`
	Signal string `json:"signal,omitempty"`
}

// HistoryArgs are the arguments of getJobHistory.
type HistoryArgs struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

// StatisticsArgs are the arguments of getJobStatistics. An empty id asks
// for every job.
type StatisticsArgs struct {
	ID string `json:"id,omitempty"`
}

// ReportArgs are the arguments of generateReport.
type ReportArgs struct {
	Format string `json:"format,omitempty"`
}

// ReportResult carries a rendered report.
type ReportResult struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}

// ExportArgs are the arguments of export. Path is written by the daemon.
type ExportArgs struct {
	Path   string `json:"path"`
	Format string `json:"format,omitempty"`
}

// ExportResult reports a finished export.
type ExportResult struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Records int    `json:"records"`
}

// RemoveJobResult reports a removal.
type RemoveJobResult struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// PingResult answers ping.
type PingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

// DaemonStatus answers getStatus.
type DaemonStatus struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
	Socket  string `json:"socket"`
	manager.Status
}

// decodeArgs strictly decodes request arguments: unknown fields and
// trailing data are rejected. Absent arguments leave v untouched.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return job.Invalid("args", "%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return job.Invalid("args", "unexpected data after arguments")
	}
	return nil
}

func requireID(id string) error {
	if id == "" {
		return job.Invalid("id", "is required")
	}
	return nil
}
