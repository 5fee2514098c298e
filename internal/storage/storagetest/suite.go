// Package storagetest provides a contract test-suite that every
// storage.Store implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run exercises the full Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"SaveAndGetJob", testSaveAndGetJob},
		{"SaveDuplicateJob", testSaveDuplicateJob},
		{"GetMissingJob", testGetMissingJob},
		{"ListJobsOrdered", testListJobsOrdered},
		{"UpdateJob", testUpdateJob},
		{"UpdateMissingJob", testUpdateMissingJob},
		{"DeleteJobTwice", testDeleteJobTwice},
		{"SaveAndGetExecution", testSaveAndGetExecution},
		{"SaveExecutionReplaces", testSaveExecutionReplaces},
		{"ListExecutions", testListExecutions},
		{"DeleteExecution", testDeleteExecution},
		{"DeleteJobKeepsExecutions", testDeleteJobKeepsExecutions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// baseTime is truncated to milliseconds so every backend round-trips it.
var baseTime = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// NewSpec returns a fully populated job spec for tests.
func NewSpec(id string, created time.Time) job.Spec {
	next := created.Add(time.Minute)
	return job.Spec{
		ID:          id,
		Name:        "job " + id,
		Description: "test job",
		Command:     "echo",
		Args:        []string{"hello", "world"},
		Schedule:    &job.Schedule{Interval: 60_000, NextRun: &next},
		Status:      job.StatusCreated,
		Priority:    3,
		MaxRetries:  2,
		Tags:        []string{"nightly", "db"},
		Env:         map[string]string{"FOO": "bar"},
		WorkingDir:  "/tmp",
		Timeout:     5000,
		User:        "alice",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// NewExecution returns a finished execution record for tests.
func NewExecution(id, jobID string, start time.Time) job.Execution {
	end := start.Add(1500 * time.Millisecond)
	return job.Execution{
		ID:        id,
		JobID:     jobID,
		JobName:   "job " + jobID,
		Command:   "echo hello",
		User:      "alice",
		Trigger:   job.TriggerSchedule,
		StartTime: start,
		EndTime:   &end,
		Duration:  1500,
		Status:    job.StatusCompleted,
		ExitCode:  job.IntPtr(0),
		Stdout:    "hello\n",
	}
}

func testSaveAndGetJob(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := NewSpec("a", baseTime)
	if err := s.SaveJob(ctx, want); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	got, err := s.GetJob(ctx, "a")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != want.Name || got.Command != want.Command || got.CommandLine() != want.CommandLine() {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.Schedule == nil || got.Schedule.Interval != 60_000 || !got.Schedule.NextRun.Equal(*want.Schedule.NextRun) {
		t.Errorf("schedule = %+v, want %+v", got.Schedule, want.Schedule)
	}
	if got.Env["FOO"] != "bar" || len(got.Tags) != 2 || got.MaxRetries != 2 || got.Timeout != 5000 {
		t.Errorf("fields not round-tripped: %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func testSaveDuplicateJob(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveJob(ctx, NewSpec("dup", baseTime)); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	err := s.SaveJob(ctx, NewSpec("dup", baseTime))
	if !errors.Is(err, job.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func testGetMissingJob(t *testing.T, s storage.Store) {
	_, err := s.GetJob(context.Background(), "missing")
	if !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testListJobsOrdered(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		if err := s.SaveJob(ctx, NewSpec(id, baseTime.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	for i, id := range []string{"c", "a", "b"} {
		if jobs[i].ID != id {
			t.Errorf("jobs[%d] = %q, want %q", i, jobs[i].ID, id)
		}
	}
}

func testUpdateJob(t *testing.T, s storage.Store) {
	ctx := context.Background()
	spec := NewSpec("u", baseTime)
	if err := s.SaveJob(ctx, spec); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	ran := baseTime.Add(time.Hour)
	spec.Status = job.StatusFailed
	spec.LastStatus = job.StatusFailed
	spec.RetryCount = 1
	spec.Schedule = &job.Schedule{Cron: "*/5 * * * *"}
	spec.LastRunAt = &ran
	if err := s.UpdateJob(ctx, spec); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "u")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusFailed || got.RetryCount != 1 || got.LastStatus != job.StatusFailed {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Schedule == nil || got.Schedule.Cron != "*/5 * * * *" || got.Schedule.NextRun != nil {
		t.Errorf("schedule = %+v, want cron only", got.Schedule)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ran) {
		t.Errorf("lastRunAt = %v, want %v", got.LastRunAt, ran)
	}
}

func testUpdateMissingJob(t *testing.T, s storage.Store) {
	err := s.UpdateJob(context.Background(), NewSpec("ghost", baseTime))
	if !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testDeleteJobTwice(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveJob(ctx, NewSpec("d", baseTime)); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := s.DeleteJob(ctx, "d"); err != nil {
		t.Fatalf("first DeleteJob: %v", err)
	}
	if err := s.DeleteJob(ctx, "d"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("second DeleteJob err = %v, want ErrNotFound", err)
	}
}

func testSaveAndGetExecution(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := NewExecution("exec_1", "a", baseTime)
	want.Signal = "SIGTERM"
	want.ErrorMessage = "boom"
	want.Stderr = "oops\n"
	if err := s.SaveExecution(ctx, want); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec_1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.JobID != "a" || got.Status != job.StatusCompleted || got.Stdout != "hello\n" || got.Stderr != "oops\n" {
		t.Errorf("got %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exitCode = %v, want 0", got.ExitCode)
	}
	if got.EndTime == nil || !got.EndTime.Equal(*want.EndTime) || got.Duration != 1500 {
		t.Errorf("timing not round-tripped: %+v", got)
	}
	if got.Signal != "SIGTERM" || got.ErrorMessage != "boom" || got.Trigger != job.TriggerSchedule {
		t.Errorf("fields not round-tripped: %+v", got)
	}

	if _, err := s.GetExecution(ctx, "exec_missing"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("missing execution err = %v, want ErrNotFound", err)
	}
}

func testSaveExecutionReplaces(t *testing.T, s storage.Store) {
	ctx := context.Background()
	exec := job.Execution{
		ID:        "exec_r",
		JobID:     "a",
		JobName:   "a",
		StartTime: baseTime,
		Status:    job.StatusRunning,
	}
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	end := baseTime.Add(time.Second)
	exec.Status = job.StatusFailed
	exec.EndTime = &end
	exec.Duration = 1000
	exec.ExitCode = job.IntPtr(3)
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution replace: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec_r")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != job.StatusFailed || got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("replace not applied: %+v", got)
	}

	all, err := s.ListExecutions(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d executions, want 1", len(all))
	}
}

func testListExecutions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i := range 5 {
		jobID := "a"
		if i%2 == 1 {
			jobID = "b"
		}
		exec := NewExecution(fmt.Sprintf("exec_%d", i), jobID, baseTime.Add(time.Duration(i)*time.Minute))
		if err := s.SaveExecution(ctx, exec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}

	all, err := s.ListExecutions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d executions, want 5", len(all))
	}
	if all[0].ID != "exec_4" || all[4].ID != "exec_0" {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[4].ID)
	}

	forA, err := s.ListExecutions(ctx, "a", 2)
	if err != nil {
		t.Fatalf("ListExecutions(a): %v", err)
	}
	if len(forA) != 2 || forA[0].ID != "exec_4" || forA[1].ID != "exec_2" {
		t.Errorf("ListExecutions(a, 2) = %v", ids(forA))
	}
}

func testDeleteExecution(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveExecution(ctx, NewExecution("exec_x", "a", baseTime)); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := s.DeleteExecution(ctx, "exec_x"); err != nil {
		t.Fatalf("DeleteExecution: %v", err)
	}
	if err := s.DeleteExecution(ctx, "exec_x"); err != nil {
		t.Fatalf("DeleteExecution of unknown id should not fail: %v", err)
	}
	if _, err := s.GetExecution(ctx, "exec_x"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func testDeleteJobKeepsExecutions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.SaveJob(ctx, NewSpec("k", baseTime)); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := s.SaveExecution(ctx, NewExecution("exec_k", "k", baseTime)); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := s.DeleteJob(ctx, "k"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetExecution(ctx, "exec_k"); err != nil {
		t.Errorf("execution should survive job removal: %v", err)
	}
}

func ids(execs []job.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}
