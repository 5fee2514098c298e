package registry

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/flemzord/jobd/internal/job"
)

// ExportHeader is the column order of CSV exports.
var ExportHeader = []string{
	"executionId", "jobId", "jobName", "command", "status", "exitCode",
	"startTime", "endTime", "duration", "signal", "trigger", "attempt",
	"user", "errorMessage",
}

// exportDocument is the JSON export envelope.
type exportDocument struct {
	Records    []job.Execution `json:"records"`
	ExportedAt time.Time       `json:"exportedAt"`
}

// Records returns every retained execution, oldest first.
func (r *Registry) Records() []job.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.Execution, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Record).Snapshot())
	}
	return out
}

// WriteExport writes every retained execution to w in format (json or
// csv) and returns the number of records written.
func (r *Registry) WriteExport(w io.Writer, format Format) (int, error) {
	records := r.Records()

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		doc := exportDocument{Records: records, ExportedAt: r.cfg.Now().UTC()}
		if err := enc.Encode(doc); err != nil {
			return 0, fmt.Errorf("registry: encode export: %w", err)
		}
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(ExportHeader); err != nil {
			return 0, fmt.Errorf("registry: write export: %w", err)
		}
		for i := range records {
			if err := cw.Write(exportRow(&records[i])); err != nil {
				return 0, fmt.Errorf("registry: write export: %w", err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return 0, fmt.Errorf("registry: write export: %w", err)
		}
	default:
		return 0, fmt.Errorf("%w %q for export (want json or csv)", ErrUnknownFormat, format)
	}
	return len(records), nil
}

// Export writes every retained execution to the file at path. The file is
// written to a temporary sibling and renamed into place.
func (r *Registry) Export(path string, format Format) (int, error) {
	if format != FormatJSON && format != FormatCSV {
		return 0, fmt.Errorf("%w %q for export (want json or csv)", ErrUnknownFormat, format)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("registry: create export file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := r.WriteExport(tmp, format)
	if err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("registry: close export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("registry: write export file: %w", err)
	}

	r.logger.Info("registry: exported executions", "path", path, "format", format, "records", n)
	return n, nil
}

func exportRow(e *job.Execution) []string {
	exitCode := ""
	if e.ExitCode != nil {
		exitCode = strconv.Itoa(*e.ExitCode)
	}
	endTime := ""
	if e.EndTime != nil {
		endTime = e.EndTime.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		e.ID,
		e.JobID,
		e.JobName,
		e.Command,
		string(e.Status),
		exitCode,
		e.StartTime.UTC().Format(time.RFC3339Nano),
		endTime,
		strconv.FormatInt(e.Duration, 10),
		e.Signal,
		string(e.Trigger),
		strconv.Itoa(e.Attempt),
		e.User,
		e.ErrorMessage,
	}
}
