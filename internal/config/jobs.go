package config

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/flemzord/jobd/internal/job"
)

// Spec converts a declared job into a job definition. The name defaults to
// the id.
func (j JobConfig) Spec() job.Spec {
	spec := job.Spec{
		ID:          j.ID,
		Name:        j.Name,
		Description: j.Description,
		Command:     j.Command,
		Args:        slices.Clone(j.Args),
		Shell:       j.Shell,
		Priority:    j.Priority,
		MaxRetries:  j.MaxRetries,
		Tags:        slices.Clone(j.Tags),
		WorkingDir:  j.WorkingDir,
		Timeout:     j.Timeout.Milliseconds(),
		User:        j.User,
	}
	if spec.Name == "" {
		spec.Name = j.ID
	}
	if len(j.Env) > 0 {
		spec.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			spec.Env[k] = v
		}
	}
	switch {
	case j.Cron != "":
		spec.Schedule = &job.Schedule{Cron: j.Cron}
	case j.Every != 0:
		spec.Schedule = &job.Schedule{Interval: j.Every.Milliseconds()}
	}
	return spec
}

// Resolve returns the declared jobs as job definitions sorted by id, so
// they are ensured in a deterministic order.
func Resolve(cfg *Config) []job.Spec {
	specs := make([]job.Spec, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		specs = append(specs, j.Spec())
	}
	slices.SortFunc(specs, func(a, b job.Spec) int { return cmp.Compare(a.ID, b.ID) })
	return specs
}

func validateJobs(jobs []JobConfig) []error {
	var errs []error
	seen := make(map[string]int, len(jobs))

	for i, j := range jobs {
		prefix := fmt.Sprintf("config: jobs[%d]", i)
		if strings.TrimSpace(j.ID) == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
			continue
		}
		prefix += " (" + j.ID + ")"
		if first, dup := seen[j.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate id, first declared at jobs[%d]", prefix, first))
			continue
		}
		seen[j.ID] = i

		if j.Cron != "" && j.Every != 0 {
			errs = append(errs, fmt.Errorf("%s: cron and every are mutually exclusive", prefix))
			continue
		}
		if j.Every != 0 && j.Every < time.Millisecond {
			errs = append(errs, fmt.Errorf("%s: every must be at least 1ms, got %s", prefix, j.Every))
			continue
		}
		if j.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s: timeout must be non-negative, got %s", prefix, j.Timeout))
			continue
		}

		spec := j.Spec()
		if err := job.Validate(&spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}
	return errs
}
