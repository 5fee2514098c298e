package job

import (
	"errors"
	"strings"
	"time"
)

// Normalize fills defaults on a freshly submitted job: a generated id,
// timestamps, the created status and, for interval schedules without one,
// a first firing one interval from now.
func Normalize(s *Spec, now time.Time) {
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Status == "" {
		s.Status = StatusCreated
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Schedule.IsInterval() && s.Schedule.NextRun == nil {
		next := now.Add(s.Schedule.Every())
		s.Schedule.NextRun = &next
	}
}

// Validate checks a job definition and returns every problem joined.
// Each problem is a *ValidationError, so errors.Is(err, ErrValidation)
// holds for the result.
func Validate(s *Spec) error {
	var errs []error

	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, Invalid("name", "is required"))
	}
	if strings.TrimSpace(s.Command) == "" {
		errs = append(errs, Invalid("command", "is required"))
	}
	if s.Status != "" && !s.Status.Valid() {
		errs = append(errs, Invalid("status", "unknown status %q", s.Status))
	}
	if s.MaxRetries < 0 {
		errs = append(errs, Invalid("maxRetries", "must be non-negative, got %d", s.MaxRetries))
	}
	if s.RetryCount < 0 {
		errs = append(errs, Invalid("retryCount", "must be non-negative, got %d", s.RetryCount))
	}
	if s.Timeout < 0 {
		errs = append(errs, Invalid("timeout", "must be non-negative, got %d", s.Timeout))
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, Invalid("env", "invalid variable name %q", k))
		}
	}
	if s.Shell && len(s.Args) > 0 {
		errs = append(errs, Invalid("args", "cannot be combined with shell"))
	}

	errs = append(errs, ValidateSchedule(s.Schedule)...)

	return errors.Join(errs...)
}

// ValidateSchedule checks that a schedule carries exactly one of a cron
// expression or an interval, and that the cron expression parses.
func ValidateSchedule(sch *Schedule) []error {
	if sch == nil {
		return nil
	}

	var errs []error
	hasCron := strings.TrimSpace(sch.Cron) != ""
	hasInterval := sch.Interval != 0 || sch.NextRun != nil

	switch {
	case hasCron && hasInterval:
		errs = append(errs, Invalid("schedule", "cron and interval are mutually exclusive"))
	case !hasCron && !hasInterval:
		errs = append(errs, Invalid("schedule", "requires either cron or interval"))
	case hasCron:
		if _, err := ParseCron(sch.Cron); err != nil {
			errs = append(errs, Invalid("schedule.cron", "%v", err))
		}
	default:
		if sch.Interval <= 0 {
			errs = append(errs, Invalid("schedule.interval", "must be positive, got %d", sch.Interval))
		}
	}
	return errs
}
