package registry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Format selects a report or export encoding.
type Format string

// Supported formats. Exports accept only JSON and CSV.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat parses a format name, case-insensitively. An empty name
// selects def.
func ParseFormat(name string, def Format) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return def, nil
	case FormatText, FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q (want text, json or csv)", ErrUnknownFormat, name)
	}
}

// Report is the JSON form of a generated report.
type Report struct {
	GeneratedAt time.Time  `json:"generatedAt"`
	Summary     Statistics `json:"summary"`
}

var reportCSVHeader = []string{
	"jobId", "jobName", "total", "running", "completed", "failed", "killed",
	"timeout", "successRate", "averageDuration", "lastRun", "lastStatus",
}

// GenerateReport renders the registry statistics in format.
func (r *Registry) GenerateReport(format Format) ([]byte, error) {
	rep := Report{GeneratedAt: r.cfg.Now().UTC(), Summary: r.GetAllStatistics()}

	switch format {
	case FormatText:
		return renderTextReport(rep), nil
	case FormatJSON:
		return json.MarshalIndent(rep, "", "  ")
	case FormatCSV:
		return renderCSVReport(rep)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

func renderTextReport(rep Report) []byte {
	var buf bytes.Buffer
	s := rep.Summary

	fmt.Fprintf(&buf, "Execution report (%s)\n\n", rep.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&buf, "Total executions:  %d\n", s.TotalExecutions)
	fmt.Fprintf(&buf, "Running:           %d\n", s.Running)
	fmt.Fprintf(&buf, "Success rate:      %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&buf, "Average duration:  %s\n", msDuration(s.AverageDuration))
	if s.Evicted > 0 || s.PersistFailures > 0 {
		fmt.Fprintf(&buf, "Evicted records:   %d\n", s.Evicted)
		fmt.Fprintf(&buf, "Persist failures:  %d\n", s.PersistFailures)
	}

	if len(s.Jobs) == 0 {
		buf.WriteString("\nNo executions recorded.\n")
		return buf.Bytes()
	}

	buf.WriteString("\n")
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tNAME\tTOTAL\tOK\tFAILED\tKILLED\tTIMEOUT\tSUCCESS\tAVG\tLAST RUN")
	for _, j := range s.Jobs {
		last := "-"
		if j.LastRun != nil {
			last = j.LastRun.UTC().Format(time.RFC3339) + " (" + string(j.LastStatus) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%s\t%s\n",
			j.JobID, j.JobName, j.Total, j.Completed, j.Failed, j.Killed, j.Timeout,
			j.SuccessRate*100, msDuration(j.AverageDuration), last)
	}
	_ = tw.Flush()
	return buf.Bytes()
}

func renderCSVReport(rep Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportCSVHeader); err != nil {
		return nil, err
	}
	for _, j := range rep.Summary.Jobs {
		last := ""
		if j.LastRun != nil {
			last = j.LastRun.UTC().Format(time.RFC3339Nano)
		}
		row := []string{
			j.JobID, j.JobName,
			strconv.Itoa(j.Total), strconv.Itoa(j.Running), strconv.Itoa(j.Completed),
			strconv.Itoa(j.Failed), strconv.Itoa(j.Killed), strconv.Itoa(j.Timeout),
			strconv.FormatFloat(j.SuccessRate, 'f', 4, 64),
			strconv.FormatInt(j.AverageDuration, 10),
			last, string(j.LastStatus),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func msDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
