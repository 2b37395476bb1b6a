package main

import (
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	httpapi "github.com/fyrsmithlabs/conductor/internal/http"
)

func newCircuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "List and control circuit breakers",
		Long: `List circuit breakers on the daemon, or reset and trip them.

Examples:
  conductor circuits
  conductor circuits list
  conductor circuits reset anthropic
  conductor circuits trip github`,
		Args: cobra.NoArgs,
		RunE: listCircuits,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List circuit breakers (default)",
		Args:  cobra.NoArgs,
		RunE:  listCircuits,
	})
	cmd.AddCommand(newCircuitActionCmd("reset", "Close a circuit and clear its counters"))
	cmd.AddCommand(newCircuitActionCmd("trip", "Force a circuit open"))
	return cmd
}

func listCircuits(cmd *cobra.Command, _ []string) error {
	var list httpapi.CircuitList
	if err := newAPIClient(serverURL).get(cmd.Context(), "/api/v1/circuits", &list); err != nil {
		return err
	}
	return printCircuits(cmd.OutOrStdout(), list)
}

func newCircuitActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <resource>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st breaker.Stats
			path := "/api/v1/circuits/" + url.PathEscape(args[0]) + "/" + action
			if err := newAPIClient(serverURL).post(cmd.Context(), path, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", st.ResourceID, st.State)
			return nil
		},
	}
}

func printCircuits(w io.Writer, list httpapi.CircuitList) error {
	if len(list.Circuits) == 0 {
		fmt.Fprintln(w, "No circuits registered.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATE\tFAILURES\tREQUESTS\tREJECTED\tLAST CHANGE")
	for _, st := range list.Circuits {
		changed := "-"
		if !st.LastStateChange.IsZero() {
			changed = st.LastStateChange.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%s\n",
			st.ResourceID, st.State, st.FailureCount, st.Config.FailureThreshold,
			st.TotalRequests, st.TotalRejected, changed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := list.Summary
	fmt.Fprintf(w, "\n%d circuits: %d closed, %d open, %d half-open\n", s.Total, s.Closed, s.Open, s.HalfOpen)
	return nil
}
