package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flemzord/jobd/internal/ipc"
)

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return emit(cmd, g, st, func(w io.Writer) error {
					return printStatus(w, st)
				})
			})
		},
	}
}

func printStatus(w io.Writer, st ipc.DaemonStatus) error {
	err := table(w, func(tw *tabwriter.Writer) {
		row := func(k string, v any) { fmt.Fprintf(tw, "%s:\t%v\n", k, v) }
		row("Version", st.Version)
		row("PID", st.PID)
		row("Socket", st.Socket)
		row("Uptime", st.Uptime)
		jobs := fmt.Sprint(st.Jobs)
		if st.Jobs < 0 {
			jobs = "unavailable"
		}
		row("Jobs", jobs)
		row("Scheduled", st.Scheduler.TotalJobs)
		row("Running", len(st.Running))
		row("Pending retries", st.PendingRetries)
		row("Launched", st.Launched)
		row("Missed runs", st.MissedRuns)
		row("Executions kept", st.Executions)
		if st.PersistFailures > 0 {
			row("Persist failures", st.PersistFailures)
		}
	})
	if err != nil || len(st.Running) == 0 {
		return err
	}
	fmt.Fprintln(w)
	return table(w, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "JOB\tEXECUTION\tPID\tTRIGGER\tSTARTED")
		for _, r := range st.Running {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.JobID, r.ExecutionID, r.PID, r.Trigger, formatTime(&r.StartTime))
		}
	})
}

func pingCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.Client) error {
				pong, err := c.Ping(ctx)
				if err != nil {
					return err
				}
				return emit(cmd, g, pong, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "pong from jobd %s (pid %d)\n", pong.Version, pong.PID)
					return err
				})
			})
		},
	}
}
