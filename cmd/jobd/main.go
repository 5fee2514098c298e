// Package main is the entry point for the jobd CLI: the daemon itself and
// the client commands that drive it over its unix socket.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/jobd/internal/ipc"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		var dialErr *ipc.DialError
		if errors.As(err, &dialErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every client command.
type globalFlags struct {
	socket string
	json   bool
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "jobd",
		Short:         "A local job daemon: scheduled and on-demand commands with execution history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.socket, "socket", "", "Daemon socket path (default: per-user runtime directory)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Print results as JSON")

	root.AddCommand(
		versionCmd(),
		daemonCmd(g),
		serviceCmd(g),
		configCmd(),
		addCmd(g),
		updateCmd(g),
		listCmd(g),
		getCmd(g),
		rmCmd(g),
		startCmd(g),
		stopCmd(g),
		triggerCmd(g),
		historyCmd(g),
		searchCmd(g),
		statsCmd(g),
		reportCmd(g),
		exportCmd(g),
		statusCmd(g),
		pingCmd(g),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jobd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
