package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xiaogangdengdai/autotask/internal/config"
	"github.com/xiaogangdengdai/autotask/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the agent CLI, output directory and features",
		Long: `Run the startup health checks without starting the poll loop.

Examples:
  autotask doctor           # Run all checks
  autotask doctor -v        # Show fix suggestions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "config: %v (checking defaults)\n", err)
				cfg = config.DefaultConfig()
			}

			report := health.RunChecks(cfg)
			printReport(cmd.OutOrStdout(), report, verbose)
			if report.HasErrors() {
				return errStartupChecks
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show fix suggestions")
	return cmd
}

func printReport(w io.Writer, report *health.Report, verbose bool) {
	_, _ = fmt.Fprintln(w, "Dependencies:")
	for _, d := range report.Dependencies {
		_, _ = fmt.Fprintf(w, "  %s %-12s %s\n", d.Status.Symbol(), d.Name, d.Message)
		if d.Fix != "" && (verbose || d.Status == health.StatusError) {
			_, _ = fmt.Fprintf(w, "                 → %s\n", d.Fix)
		}
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "Features:")
	for _, f := range report.Features {
		note := ""
		if f.Note != "" {
			note = " (" + f.Note + ")"
		}
		_, _ = fmt.Fprintf(w, "  %s %-14s%s\n", f.Status.Symbol(), f.Name, note)
	}
	_, _ = fmt.Fprintln(w)

	if report.HasErrors() {
		_, _ = fmt.Fprintln(w, "Not ready: fix the errors above before running autotask")
	} else {
		_, _ = fmt.Fprintln(w, "Ready")
	}
}
