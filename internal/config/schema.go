// Package config handles YAML configuration loading, environment variable
// expansion, defaults and validation for jobd.
package config

import (
	"time"

	"github.com/flemzord/jobd/internal/executor"
	"github.com/flemzord/jobd/internal/gateway"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/scheduler"
	"github.com/flemzord/jobd/internal/storage/sqlite"
	"github.com/flemzord/jobd/internal/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Daemon    DaemonConfig     `yaml:"daemon"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Registry  RegistryConfig   `yaml:"registry"`
	Storage   StorageConfig    `yaml:"storage"`
	Execution ExecutionConfig  `yaml:"execution"`
	Gateway   gateway.Config   `yaml:"gateway"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Jobs are declared jobs, created or brought up to date at boot and on
	// every reload. Jobs added over IPC are left alone.
	Jobs []JobConfig `yaml:"jobs,omitempty"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	// Socket is the IPC socket path. Empty selects the per-user default.
	Socket string `yaml:"socket"`

	// DataDir holds the database. Empty selects $XDG_DATA_HOME/jobd.
	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// ShutdownTimeout bounds graceful shutdown, including the wait for
	// running jobs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig tunes the due-job loop.
type SchedulerConfig struct {
	MinCheckInterval time.Duration `yaml:"min_check_interval"`
	MaxCheckInterval time.Duration `yaml:"max_check_interval"`
	DueBuffer        time.Duration `yaml:"due_buffer"`
}

// RegistryConfig caps the execution history.
type RegistryConfig struct {
	MaxRecordsPerJob int `yaml:"max_records_per_job"`
	MaxTotalRecords  int `yaml:"max_total_records"`
}

// StorageConfig selects the job and execution store.
type StorageConfig struct {
	Backend string `yaml:"backend"`

	sqlite.Config `yaml:",inline"`
}

// ExecutionConfig is the process execution policy.
type ExecutionConfig struct {
	Shell string `yaml:"shell"`

	// KillGrace separates SIGTERM from SIGKILL when stopping a job.
	KillGrace time.Duration `yaml:"kill_grace"`

	// DefaultTimeout applies to jobs without a timeout. Zero means none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	RetryDelay time.Duration `yaml:"retry_delay"`

	// StripSensitiveEnv keeps secret-looking daemon variables out of job
	// environments.
	StripSensitiveEnv bool `yaml:"strip_sensitive_env"`
}

// JobConfig declares a job in the configuration file.
type JobConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Shell       bool              `yaml:"shell,omitempty"`
	Cron        string            `yaml:"cron,omitempty"`
	Every       time.Duration     `yaml:"every,omitempty"`
	Priority    int               `yaml:"priority,omitempty"`
	MaxRetries  int               `yaml:"max_retries,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	User        string            `yaml:"user,omitempty"`
}

// Default returns the configuration used when no file is found. Load
// decodes files on top of it, so absent keys keep these values.
func Default() *Config {
	cfg := &Config{
		Version: "1",
		Daemon: DaemonConfig{
			LogLevel:        "info",
			LogFormat:       LogFormatText,
			ShutdownTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MinCheckInterval: scheduler.DefaultMinCheckInterval,
			MaxCheckInterval: scheduler.DefaultMaxCheckInterval,
			DueBuffer:        scheduler.DefaultDueBuffer,
		},
		Registry: RegistryConfig{
			MaxRecordsPerJob: registry.DefaultMaxRecordsPerJob,
			MaxTotalRecords:  registry.DefaultMaxTotalRecords,
		},
		Storage: StorageConfig{Backend: BackendSQLite},
		Execution: ExecutionConfig{
			Shell:             executor.DefaultShell,
			KillGrace:         manager.DefaultKillGrace,
			RetryDelay:        manager.DefaultRetryDelay,
			StripSensitiveEnv: true,
		},
		Telemetry: telemetry.Config{ServiceName: telemetry.DefaultServiceName},
	}
	cfg.Gateway.Defaults()
	return cfg
}

// Finalize derives the settings that depend on the data directory, which
// is the configured one or, when unset, dataDir.
func (c *Config) Finalize(dataDir string) {
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = dataDir
	}
	if c.Storage.Backend == BackendSQLite {
		c.Storage.Config.Defaults(c.Daemon.DataDir)
	}
	c.Gateway.Defaults()
}
