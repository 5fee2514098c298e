package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/jobd/internal/ipc"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/registry"
)

func historyCmd(g *globalFlags) *cobra.Command {
	var limit int
	var output bool
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a job's executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				execs, err := c.JobHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return emit(cmd, g, execs, func(w io.Writer) error {
					return printExecutions(w, execs, output)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum executions, 0 for all retained")
	cmd.Flags().BoolVar(&output, "output", false, "Also print captured stdout and stderr")
	return cmd
}

func searchCmd(g *globalFlags) *cobra.Command {
	var (
		filter       job.ExecutionFilter
		statuses     []string
		since, until string
		output       bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search executions across jobs",
		Args:  cobra.NoArgs,
		Example: `  jobd search --status failed --since 24h
  jobd search --job backup --since 2026-01-01T00:00:00Z --limit 5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			var err error
			if filter.Since, err = parseTimeArg(since, now); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if filter.Until, err = parseTimeArg(until, now); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, job.Status(strings.ToLower(s)))
			}
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				execs, err := c.SearchExecutions(ctx, filter)
				if err != nil {
					return err
				}
				return emit(cmd, g, execs, func(w io.Writer) error {
					return printExecutions(w, execs, output)
				})
			})
		},
	}
	cmd.Flags().StringVar(&filter.JobID, "job", "", "Only executions of this job")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses, repeatable")
	cmd.Flags().StringVar(&filter.User, "user", "", "Only executions recorded for this user")
	cmd.Flags().StringVar(&since, "since", "", "Started at or after: RFC 3339 time or a duration ago, e.g. 2h")
	cmd.Flags().StringVar(&until, "until", "", "Started at or before: RFC 3339 time or a duration ago")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "Maximum executions")
	cmd.Flags().BoolVar(&output, "output", false, "Also print captured stdout and stderr")
	return cmd
}

// parseTimeArg accepts an RFC 3339 timestamp or a duration before now.
// An empty string yields nil.
func parseTimeArg(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return nil, fmt.Errorf("%q is neither an RFC 3339 time nor a positive duration", s)
	}
	t := now.Add(-d)
	return &t, nil
}

func printExecutions(w io.Writer, execs []job.Execution, output bool) error {
	if len(execs) == 0 {
		_, err := fmt.Fprintln(w, "no executions")
		return err
	}
	err := table(w, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "EXECUTION\tJOB\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tEXIT")
		for i := range execs {
			e := &execs[i]
			exit := exitCode(e.ExitCode)
			if e.Signal != "" {
				exit = e.Signal
			}
			dur := "-"
			if e.Finished() {
				dur = formatMillis(e.Duration)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.JobID, e.Status, orDash(string(e.Trigger)), formatTime(&e.StartTime), dur, exit)
		}
	})
	if err != nil || !output {
		return err
	}
	for i := range execs {
		e := &execs[i]
		fmt.Fprintf(w, "\n--- %s", e.ID)
		if e.ErrorMessage != "" {
			fmt.Fprintf(w, " (%s)", e.ErrorMessage)
		}
		fmt.Fprintln(w)
		if e.Stdout != "" {
			fmt.Fprintf(w, "[stdout]\n%s", withNewline(e.Stdout))
		}
		if e.Stderr != "" {
			fmt.Fprintf(w, "[stderr]\n%s", withNewline(e.Stderr))
		}
	}
	return nil
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func statsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [id]",
		Short: "Show execution statistics for one job or all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				if len(args) == 1 {
					st, err := c.JobStatistics(ctx, args[0])
					if err != nil {
						return err
					}
					return emit(cmd, g, st, func(w io.Writer) error {
						return printJobStats(w, []registry.JobStatistics{st})
					})
				}
				st, err := c.AllStatistics(ctx)
				if err != nil {
					return err
				}
				return emit(cmd, g, st, func(w io.Writer) error {
					fmt.Fprintf(w, "%d executions, %d running, success rate %.1f%%, average %s\n\n",
						st.TotalExecutions, st.Running, st.SuccessRate*100, formatMillis(st.AverageDuration))
					return printJobStats(w, st.Jobs)
				})
			})
		},
	}
}

func printJobStats(w io.Writer, stats []registry.JobStatistics) error {
	if len(stats) == 0 {
		_, err := fmt.Fprintln(w, "no executions")
		return err
	}
	return table(w, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "JOB\tTOTAL\tOK\tFAILED\tKILLED\tTIMEOUT\tSUCCESS\tAVG\tMAX\tLAST RUN")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%s\t%s\t%s\n",
				s.JobID, s.Total, s.Completed, s.Failed, s.Killed, s.Timeout,
				s.SuccessRate*100, formatMillis(s.AverageDuration), formatMillis(s.MaxDuration), formatTime(s.LastRun))
		}
	})
}

func reportCmd(g *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render an execution report (text, json or csv)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				rep, err := c.GenerateReport(ctx, format)
				if err != nil {
					return err
				}
				return emit(cmd, g, rep, func(w io.Writer) error {
					_, err := io.WriteString(w, withNewline(rep.Content))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(registry.FormatText), "Report format: text, json or csv")
	return cmd
}

func exportCmd(g *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Have the daemon write the execution history to a file",
		Long: `Have the daemon write every retained execution to a file. The path is
resolved against the current directory and written by the daemon process.
The format defaults to csv for .csv paths and json otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = exportFormat(path)
			}
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				res, err := c.Export(ctx, path, format)
				if err != nil {
					return err
				}
				return emit(cmd, g, res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "exported %d executions to %s (%s)\n", res.Records, res.Path, res.Format)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Export format: json or csv")
	return cmd
}

func exportFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return string(registry.FormatCSV)
	}
	return string(registry.FormatJSON)
}
