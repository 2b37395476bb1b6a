package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
)

var errRunNotCompleted = errors.New("run did not complete")

type runOptions struct {
	remote       bool
	jsonOutput   bool
	verbose      bool
	pollInterval time.Duration
}

func newRunCmd() *cobra.Command {
	opts := runOptions{pollInterval: 500 * time.Millisecond}

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Run a plan and print its report",
		Long: `Run a plan file (.yaml, .yml, .toml or .json) to completion.

By default the plan runs in-process with the queue, circuits and agents
from the config file. With --remote the plan is submitted to the daemon
at --server and polled until it finishes.

The command exits non-zero unless every step completed.

Examples:
  # Run locally
  conductor run release.yaml

  # Submit to a running daemon and print the report as JSON
  conductor run --remote --json release.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				rep *orchestrator.RunReport
				err error
			)
			if opts.remote {
				rep, err = runRemote(ctx, args[0], opts.pollInterval)
			} else {
				rep, err = runLocal(ctx, args[0], opts.verbose)
			}
			if rep != nil {
				if perr := printReport(cmd.OutOrStdout(), rep, opts.jsonOutput); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if rep.Status != orchestrator.RunCompleted {
				return fmt.Errorf("%w: %s", errRunNotCompleted, rep.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.remote, "remote", false, "submit the plan to the daemon at --server")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the report as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log queue and circuit activity")
	return cmd
}

// runLocal runs the plan on an in-process engine.
func runLocal(ctx context.Context, path string, verbose bool) (*orchestrator.RunReport, error) {
	plan, err := orchestrator.LoadPlan(path)
	if err != nil {
		return nil, err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	lcfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if !verbose {
		lcfg.Level = zapcore.WarnLevel
	}
	lcfg.Output.OTEL = false
	logger, err := logging.NewLogger(lcfg, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = logger.Sync() }()

	eng, err := newEngine(cfg, logger, nil, orchestrator.LogRecorder{Logger: logger})
	if err != nil {
		return nil, err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = eng.Close(cctx)
	}()

	return eng.orch.Run(ctx, plan)
}

// runRemote submits the plan file unchanged and polls until the run ends.
func runRemote(ctx context.Context, path string, interval time.Duration) (*orchestrator.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	contentType, err := planContentType(path)
	if err != nil {
		return nil, err
	}

	client := newAPIClient(serverURL)
	var rep orchestrator.RunReport
	if err := client.do(ctx, http.MethodPost, "/api/v1/runs", contentType, data, &rep); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for rep.Status == orchestrator.RunRunning {
		select {
		case <-ctx.Done():
			return &rep, ctx.Err()
		case <-ticker.C:
		}
		if err := client.get(ctx, "/api/v1/runs/"+rep.RunID, &rep); err != nil {
			return nil, err
		}
	}
	return &rep, nil
}

func planContentType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "application/yaml", nil
	case ".toml":
		return "application/toml", nil
	case ".json":
		return "application/json", nil
	default:
		return "", fmt.Errorf("%w: unsupported plan file extension %q", orchestrator.ErrInvalidPlan, filepath.Ext(path))
	}
}

func printReport(w io.Writer, rep *orchestrator.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Fprintf(w, "Run:      %s\n", rep.RunID)
	if rep.Plan != "" {
		fmt.Fprintf(w, "Plan:     %s\n", rep.Plan)
	}
	fmt.Fprintf(w, "Status:   %s\n", rep.Status)
	fmt.Fprintf(w, "Duration: %s\n\n", rep.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTYPE\tSTATUS\tATTEMPTS\tDURATION\tERROR")
	for _, st := range rep.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			st.ID, st.Type, st.Status, st.Attempts, st.Duration.Round(time.Millisecond), truncate(st.Error, 60))
	}
	return tw.Flush()
}

// truncate shortens s to n runes on one line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
