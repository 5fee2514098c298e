package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/jobd/internal/ipc"
)

// withClient connects to the daemon and runs fn. The context is
// cancelled on SIGINT so a slow call can be interrupted.
func withClient(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, c *ipc.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := g.socket
	if path == "" {
		path = ipc.DefaultSocketPath()
	}
	c, err := ipc.Dial(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

// emit prints v as indented JSON when --json is set, or calls human.
func emit(cmd *cobra.Command, g *globalFlags, v any, human func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if g.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return human(w)
}

// table writes aligned columns and flushes when done.
func table(w io.Writer, fn func(tw *tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fn(tw)
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}
