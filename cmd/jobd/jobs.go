package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/jobd/internal/ipc"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
)

// specFlags are the job definition flags shared by add and update.
type specFlags struct {
	file        string
	id          string
	name        string
	description string
	cron        string
	every       time.Duration
	noSchedule  bool
	shell       bool
	priority    int
	retries     int
	tags        []string
	env         []string
	dir         string
	timeout     time.Duration
	user        string
}

func (f *specFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.file, "file", "f", "", "Read the job definition from a JSON file")
	fs.StringVar(&f.name, "name", "", "Job name (default: the command)")
	fs.StringVar(&f.description, "description", "", "Free-form description")
	fs.StringVar(&f.cron, "cron", "", "Five-field cron schedule")
	fs.DurationVar(&f.every, "every", 0, "Run every interval, e.g. 5m")
	fs.BoolVar(&f.noSchedule, "no-schedule", false, "Remove the schedule")
	fs.BoolVar(&f.shell, "shell", false, "Run the command line through the shell")
	fs.IntVar(&f.priority, "priority", 0, "Listing priority, higher first")
	fs.IntVar(&f.retries, "retries", 0, "Retries after a failed run")
	fs.StringSliceVar(&f.tags, "tag", nil, "Tag, repeatable")
	fs.StringArrayVarP(&f.env, "env", "e", nil, "Environment variable KEY=VALUE, repeatable")
	fs.StringVar(&f.dir, "dir", "", "Working directory")
	fs.DurationVar(&f.timeout, "timeout", 0, "Per-run timeout, 0 for none")
	fs.StringVar(&f.user, "user", "", "Owner recorded on executions")
}

// apply copies the flags the user set onto spec, then the command line
// from args when present.
func (f *specFlags) apply(cmd *cobra.Command, spec *job.Spec, args []string) error {
	changed := cmd.Flags().Changed

	if changed("cron") && changed("every") {
		return errors.New("--cron and --every are mutually exclusive")
	}
	if changed("no-schedule") && (changed("cron") || changed("every")) {
		return errors.New("--no-schedule cannot be combined with --cron or --every")
	}

	if changed("shell") {
		spec.Shell = f.shell
	}
	if len(args) > 0 {
		spec.Command, spec.Args = commandLine(args, spec.Shell)
	}
	if changed("name") {
		spec.Name = f.name
	}
	if changed("description") {
		spec.Description = f.description
	}
	switch {
	case changed("cron"):
		spec.Schedule = &job.Schedule{Cron: f.cron}
	case changed("every"):
		if f.every < time.Millisecond {
			return fmt.Errorf("--every must be at least 1ms, got %s", f.every)
		}
		spec.Schedule = &job.Schedule{Interval: f.every.Milliseconds()}
	case changed("no-schedule") && f.noSchedule:
		spec.Schedule = nil
	}
	if changed("priority") {
		spec.Priority = f.priority
	}
	if changed("retries") {
		spec.MaxRetries = f.retries
	}
	if changed("tag") {
		spec.Tags = f.tags
	}
	if changed("env") {
		env, err := parseEnv(f.env)
		if err != nil {
			return err
		}
		spec.Env = env
	}
	if changed("dir") {
		spec.WorkingDir = f.dir
	}
	if changed("timeout") {
		spec.Timeout = f.timeout.Milliseconds()
	}
	if changed("user") {
		spec.User = f.user
	}
	if spec.Name == "" {
		spec.Name = spec.Command
	}
	return nil
}

// commandLine maps positional arguments onto a command and its argv. A
// single argument is kept whole and split by the daemon; shell commands
// are joined into one line.
func commandLine(args []string, shell bool) (string, []string) {
	switch {
	case shell:
		return strings.Join(args, " "), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return args[0], args[1:]
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// readSpecFile decodes a job definition, rejecting unknown fields as the
// daemon does.
func readSpecFile(path string) (job.Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return job.Spec{}, err
	}
	var spec job.Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return job.Spec{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return spec, nil
}

func addCmd(g *globalFlags) *cobra.Command {
	f := &specFlags{}
	cmd := &cobra.Command{
		Use:   "add [flags] [--] <command> [args...]",
		Short: "Add a job",
		Example: `  jobd add --every 15m -- rsync -a ~/src /backup
  jobd add --cron "0 3 * * *" --name nightly --shell 'pg_dump app | gzip > /tmp/app.sql.gz'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec job.Spec
			if f.file != "" {
				var err error
				if spec, err = readSpecFile(f.file); err != nil {
					return err
				}
			} else if len(args) == 0 {
				return errors.New("a command is required")
			}
			if cmd.Flags().Changed("id") {
				spec.ID = f.id
			}
			if err := f.apply(cmd, &spec, args); err != nil {
				return err
			}
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				added, err := c.AddJob(ctx, spec)
				if err != nil {
					return err
				}
				return emit(cmd, g, added, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "added job %s (%s)\n", added.ID, added.Name)
					return err
				})
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.id, "id", "", "Job id (default: generated)")
	return cmd
}

func updateCmd(g *globalFlags) *cobra.Command {
	f := &specFlags{}
	cmd := &cobra.Command{
		Use:   "update <id> [flags] [-- <command> [args...]]",
		Short: "Change a job; unset flags keep their current value",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				var spec job.Spec
				if f.file != "" {
					var err error
					if spec, err = readSpecFile(f.file); err != nil {
						return err
					}
				} else {
					current, err := c.GetJob(ctx, id)
					if err != nil {
						return err
					}
					spec = current.Spec
				}
				spec.ID = id
				if err := f.apply(cmd, &spec, args[1:]); err != nil {
					return err
				}
				updated, err := c.UpdateJob(ctx, spec)
				if err != nil {
					return err
				}
				return emit(cmd, g, updated, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "updated job %s\n", updated.ID)
					return err
				})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func listCmd(g *globalFlags) *cobra.Command {
	var filter job.Filter
	var status string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = job.Status(status)
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				jobs, err := c.ListJobs(ctx, filter)
				if err != nil {
					return err
				}
				return emit(cmd, g, jobs, func(w io.Writer) error {
					return printJobs(w, jobs)
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "Only jobs with this tag")
	cmd.Flags().StringVar(&filter.Name, "name", "", "Only jobs whose name contains this text")
	cmd.Flags().BoolVar(&filter.Scheduled, "scheduled", false, "Only scheduled jobs")
	return cmd
}

func printJobs(w io.Writer, jobs []manager.JobInfo) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "no jobs")
		return err
	}
	return table(w, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tLAST\tSCHEDULE\tNEXT RUN")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Name, j.Status, orDash(string(j.LastStatus)), describeSchedule(j.Schedule), formatTime(j.NextRunAt))
		}
	})
}

func describeSchedule(s *job.Schedule) string {
	switch {
	case s.IsCron():
		return "cron " + s.Cron
	case s.IsInterval():
		return "every " + s.Every().String()
	default:
		return "-"
	}
}

func getCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				info, err := c.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, g, info, func(w io.Writer) error {
					return printJob(w, info)
				})
			})
		},
	}
}

func printJob(w io.Writer, j manager.JobInfo) error {
	return table(w, func(tw *tabwriter.Writer) {
		row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
		row("ID", j.ID)
		row("Name", j.Name)
		if j.Description != "" {
			row("Description", j.Description)
		}
		row("Command", j.CommandLine())
		if j.Shell {
			row("Shell", "yes")
		}
		row("Schedule", describeSchedule(j.Schedule))
		row("Next run", formatTime(j.NextRunAt))
		row("Status", string(j.Status))
		row("Last status", orDash(string(j.LastStatus)))
		row("Last run", formatTime(j.LastRunAt))
		row("Retries", fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries))
		row("Missed runs", fmt.Sprint(j.MissedRuns))
		if j.Timeout > 0 {
			row("Timeout", formatMillis(j.Timeout))
		}
		if len(j.Tags) > 0 {
			row("Tags", strings.Join(j.Tags, ", "))
		}
		if j.WorkingDir != "" {
			row("Directory", j.WorkingDir)
		}
		if j.CurrentExecution != "" {
			row("Running", j.CurrentExecution)
		}
		row("Created", formatTime(&j.CreatedAt))
	})
}

func rmCmd(g *globalFlags) *cobra.Command {
	var force, purge bool
	cmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				if err := c.RemoveJob(ctx, args[0], force, purge); err != nil {
					return err
				}
				res := ipc.RemoveJobResult{ID: args[0], Removed: true}
				return emit(cmd, g, res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "removed job %s\n", args[0])
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Stop the job first if it is running")
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete the job's execution history")
	return cmd
}

// runCmd builds start and trigger, which differ only in the operation.
func runCmd(g *globalFlags, use, short string, call func(*ipc.Client, context.Context, string) (job.Execution, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				exec, err := call(c, ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, g, exec, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "started %s (execution %s, pid %d)\n", exec.JobID, exec.ID, exec.PID)
					return err
				})
			})
		},
	}
}

func startCmd(g *globalFlags) *cobra.Command {
	return runCmd(g, "start", "Run a job now", (*ipc.Client).StartJob)
}

func triggerCmd(g *globalFlags) *cobra.Command {
	return runCmd(g, "trigger", "Run a job once without touching its schedule", (*ipc.Client).TriggerJob)
}

func stopCmd(g *globalFlags) *cobra.Command {
	var sig string
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				exec, err := c.StopJob(ctx, args[0], sig)
				if err != nil {
					return err
				}
				return emit(cmd, g, exec, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "stopped %s (execution %s, status %s)\n", exec.JobID, exec.ID, exec.Status)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVarP(&sig, "signal", "s", "", "Signal to send first, e.g. INT (default TERM)")
	return cmd
}
