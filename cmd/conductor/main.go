// Package main implements the conductor daemon and its CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// serverURL is the base URL of a running conductor daemon
	serverURL string
	// configPath overrides the default config file location
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Run dev-automation plans on a dependency-aware task queue",
		Long: `conductor schedules plan steps (plan, code, test, review, commit) on a
priority queue with bounded concurrency and retries, guarding every agent
behind a circuit breaker.

Run "conductor serve" to start the daemon; the other commands talk to it
over HTTP, except "conductor run" which runs a plan in-process unless
--remote is given.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetVersionTemplate(fmt.Sprintf("conductor %s (commit %s, built %s)\n", version, gitCommit, buildDate))

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "conductor server URL")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/conductor/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCircuitsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conductor by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
