package registry

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flemzord/jobd/internal/job"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{" csv ", FormatCSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in, FormatJSON)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) err = %v", tt.in, err)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownFormat) {
			t.Errorf("ParseFormat(%q) err = %v, want ErrUnknownFormat", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func seededRegistry(t *testing.T) *Registry {
	t.Helper()
	r := newTestRegistry(Config{})
	runOnce(t, r, testSpec("a"), job.StatusCompleted)
	runOnce(t, r, testSpec("a"), job.StatusFailed)
	runOnce(t, r, testSpec("b"), job.StatusCompleted)
	return r
}

func TestGenerateReport_Text(t *testing.T) {
	t.Parallel()

	out, err := seededRegistry(t).GenerateReport(FormatText)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	text := string(out)
	for _, want := range []string{"Total executions:  3", "Success rate:      66.7%", "JOB ID", "job-a", "job-b"} {
		if !strings.Contains(text, want) {
			t.Errorf("text report missing %q:\n%s", want, text)
		}
	}
}

func TestGenerateReport_TextEmpty(t *testing.T) {
	t.Parallel()

	out, err := newTestRegistry(Config{}).GenerateReport(FormatText)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if !strings.Contains(string(out), "No executions recorded") {
		t.Errorf("empty report:\n%s", out)
	}
}

func TestGenerateReport_JSON(t *testing.T) {
	t.Parallel()

	out, err := seededRegistry(t).GenerateReport(FormatJSON)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	var rep Report
	if err := json.Unmarshal(out, &rep); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rep.Summary.TotalExecutions != 3 || len(rep.Summary.Jobs) != 2 || rep.GeneratedAt.IsZero() {
		t.Errorf("report = %+v", rep)
	}
}

func TestGenerateReport_CSV(t *testing.T) {
	t.Parallel()

	out, err := seededRegistry(t).GenerateReport(FormatCSV)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "jobId" || rows[1][0] != "a" || rows[1][2] != "2" {
		t.Errorf("rows = %v", rows)
	}
}

func TestGenerateReport_UnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := newTestRegistry(Config{}).GenerateReport("yaml"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestExport_JSON(t *testing.T) {
	t.Parallel()

	r := seededRegistry(t)
	path := filepath.Join(t.TempDir(), "history.json")
	n, err := r.Export(path, FormatJSON)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 3 {
		t.Errorf("exported %d records, want 3", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Records    []job.Execution `json:"records"`
		ExportedAt string          `json:"exportedAt"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("invalid JSON export: %v", err)
	}
	if len(doc.Records) != 3 || doc.ExportedAt == "" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Records[0].JobID != "a" || doc.Records[2].JobID != "b" {
		t.Errorf("records not oldest first")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("export mode = %o, want 600", perm)
	}
}

func TestExport_CSVQuoting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(Config{})
	spec := job.Spec{ID: "q", Name: `say "hi", twice`, Command: "sh", Args: []string{"-c", "echo a,b"}}
	rec, err := r.RecordJobStart(ctx, spec, StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.RecordJobCompletion(ctx, rec.ID(), Completion{
		Status:   job.StatusFailed,
		ExitCode: job.IntPtr(2),
		Error:    "line one\nline two",
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := r.WriteExport(&buf, FormatCSV); err != nil {
		t.Fatalf("WriteExport: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("CSV does not parse back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(ExportHeader, ",") {
		t.Errorf("header = %v", rows[0])
	}
	row := rows[1]
	if row[2] != `say "hi", twice` || row[3] != "sh -c echo a,b" || row[13] != "line one\nline two" {
		t.Errorf("fields not preserved: %q", row)
	}
	if row[4] != "failed" || row[5] != "2" || row[8] != "1000" {
		t.Errorf("row = %q", row)
	}
}

func TestExport_RejectsText(t *testing.T) {
	t.Parallel()

	r := seededRegistry(t)
	path := filepath.Join(t.TempDir(), "out.txt")
	if _, err := r.Export(path, FormatText); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file created for rejected format")
	}
}
