package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validate checks a Config and returns every problem joined. Call Finalize
// first so data-directory defaults are in place.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	errs = append(errs, validateDaemon(&cfg.Daemon)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)

	if cfg.Registry.MaxRecordsPerJob < 0 {
		errs = append(errs, fmt.Errorf("config: registry.max_records_per_job must be non-negative, got %d", cfg.Registry.MaxRecordsPerJob))
	}
	if cfg.Registry.MaxTotalRecords < 0 {
		errs = append(errs, fmt.Errorf("config: registry.max_total_records must be non-negative, got %d", cfg.Registry.MaxTotalRecords))
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if err := cfg.Storage.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: storage: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("config: storage.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, cfg.Storage.Backend))
	}

	errs = append(errs, validateExecution(&cfg.Execution)...)

	if cfg.Gateway.Enabled {
		if err := cfg.Gateway.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	errs = append(errs, validateJobs(cfg.Jobs)...)

	return errors.Join(errs...)
}

// ParseLogLevel maps daemon.log_level onto a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: daemon.log_level: unknown level %q", s)
	}
	return level, nil
}

func validateDaemon(d *DaemonConfig) []error {
	var errs []error
	if _, err := ParseLogLevel(d.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if d.LogFormat != LogFormatText && d.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("config: daemon.log_format must be %q or %q, got %q", LogFormatText, LogFormatJSON, d.LogFormat))
	}
	if d.ShutdownTimeout < 0 {
		errs = append(errs, negative("daemon.shutdown_timeout", d.ShutdownTimeout))
	}
	if d.Socket != "" && !strings.HasPrefix(d.Socket, "/") {
		errs = append(errs, fmt.Errorf("config: daemon.socket must be an absolute path, got %q", d.Socket))
	}
	return errs
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error
	if s.MinCheckInterval < 0 {
		errs = append(errs, negative("scheduler.min_check_interval", s.MinCheckInterval))
	}
	if s.MaxCheckInterval < 0 {
		errs = append(errs, negative("scheduler.max_check_interval", s.MaxCheckInterval))
	}
	if s.DueBuffer < 0 {
		errs = append(errs, negative("scheduler.due_buffer", s.DueBuffer))
	}
	if s.MinCheckInterval > 0 && s.MaxCheckInterval > 0 && s.MaxCheckInterval < s.MinCheckInterval {
		errs = append(errs, fmt.Errorf("config: scheduler.max_check_interval (%s) is below min_check_interval (%s)",
			s.MaxCheckInterval, s.MinCheckInterval))
	}
	return errs
}

func validateExecution(e *ExecutionConfig) []error {
	var errs []error
	if e.Shell != "" && !strings.HasPrefix(e.Shell, "/") {
		errs = append(errs, fmt.Errorf("config: execution.shell must be an absolute path, got %q", e.Shell))
	}
	if e.KillGrace < 0 {
		errs = append(errs, negative("execution.kill_grace", e.KillGrace))
	}
	if e.DefaultTimeout < 0 {
		errs = append(errs, negative("execution.default_timeout", e.DefaultTimeout))
	}
	if e.RetryDelay < 0 {
		errs = append(errs, negative("execution.retry_delay", e.RetryDelay))
	}
	return errs
}

func negative(field string, d time.Duration) error {
	return fmt.Errorf("config: %s must be non-negative, got %s", field, d)
}
