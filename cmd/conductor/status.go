package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/conductor/internal/http"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health, queue and circuit summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health httpapi.HealthResponse
			if err := newAPIClient(serverURL).get(cmd.Context(), "/health", &health); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(health)
			}

			fmt.Fprintf(out, "Status:   %s\n", health.Status)
			if health.Version != "" {
				fmt.Fprintf(out, "Version:  %s\n", health.Version)
			}
			q := health.Queue
			paused := ""
			if q.Paused {
				paused = " (paused)"
			}
			fmt.Fprintf(out, "Queue:    %d pending, %d running, %d completed, %d failed%s\n",
				q.Pending, q.Running, q.Completed, q.Failed, paused)
			c := health.Circuits
			fmt.Fprintf(out, "Circuits: %d total, %d closed, %d open, %d half-open\n",
				c.Total, c.Closed, c.Open, c.HalfOpen)
			if len(health.OpenCircuits) > 0 {
				fmt.Fprintf(out, "Open:     %s\n", strings.Join(health.OpenCircuits, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the health response as JSON")
	return cmd
}
