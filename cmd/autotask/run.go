package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaogangdengdai/autotask/internal/banner"
	"github.com/xiaogangdengdai/autotask/internal/config"
	"github.com/xiaogangdengdai/autotask/internal/dashboard"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/pipeline"
	"github.com/xiaogangdengdai/autotask/internal/scheduler"
)

var errStartupChecks = errors.New("startup checks failed")

func newRunCmd() *cobra.Command {
	var (
		withDashboard bool
		maxRuns       int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for pending issues until stopped",
		Long: `Start the poll loop: probe for a pending issue, process it, repeat; sleep
for scheduler.check_interval when nothing is pending.

SIGINT or SIGTERM stops the loop. With agent.kill_on_shutdown (default) the
running agent process group is terminated; otherwise it is allowed to finish.

Examples:
  autotask run                      # Poll forever
  autotask run --dashboard          # Poll with the terminal dashboard
  autotask run --max-runs 3         # Stop after three processed issues`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			if report := banner.StartupWithHealth(cmd.OutOrStdout(), version, cfg); report.HasErrors() {
				return errStartupChecks
			}

			if withDashboard {
				logging.Suppress()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, nil, scheduler.WithMaxRuns(maxRuns))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.startAuxiliary(ctx); err != nil {
				return err
			}
			a.logStartup()

			if withDashboard {
				return runWithDashboard(ctx, a)
			}
			return a.scheduler.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "show the terminal dashboard")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "stop after this many processed issues (0 = no limit)")

	return cmd
}

// runWithDashboard runs the scheduler behind the TUI. Quitting the TUI stops
// the scheduler.
func runWithDashboard(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.scheduler.Run(ctx)
	}()

	uiErr := dashboard.Run(ctx, version, a.scheduler, a.bus)
	cancel()
	schedErr := <-errCh

	if uiErr != nil {
		return fmt.Errorf("dashboard: %w", uiErr)
	}
	return schedErr
}

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Probe once and process at most one issue",
		Long: `Probe for a pending issue and, if one exists, run the full pipeline for it,
then exit. The gateway, digest and webhooks are not started.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run, err := runOnce(ctx, cfg)
			if err != nil {
				return err
			}
			printRunSummary(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

// runOnce wires a one-shot app without auxiliary services and processes at
// most one issue.
func runOnce(ctx context.Context, cfg *config.Config) (*pipeline.Run, error) {
	oneShot := *cfg
	gw := *cfg.Gateway
	gw.Enabled = false
	dg := *cfg.Digest
	dg.Enabled = false
	wh := *cfg.Webhooks
	wh.Enabled = false
	oneShot.Gateway, oneShot.Digest, oneShot.Webhooks = &gw, &dg, &wh

	a, err := newApp(&oneShot, nil)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	return a.scheduler.RunOnce(ctx), nil
}

func printRunSummary(w io.Writer, run *pipeline.Run) {
	if run == nil {
		_, _ = fmt.Fprintln(w, "No pending issues.")
		return
	}
	id := run.Record.ID
	if id == "" {
		id = "-"
	}
	_, _ = fmt.Fprintf(w, "Run %s: issue %s %s", run.ID, id, run.Outcome)
	if run.Reason != "" {
		_, _ = fmt.Fprintf(w, " (%s)", run.Reason)
	}
	if run.Outcome != pipeline.OutcomeAbandoned && !run.Reconciled {
		_, _ = fmt.Fprint(w, ", status update not confirmed")
	}
	_, _ = fmt.Fprintln(w)
}
