package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/xiaogangdengdai/autotask/internal/history"
)

var errHistoryDisabled = errors.New("history is disabled; set history.enabled in the config")

func newHistoryCmd() *cobra.Command {
	var (
		limit      int
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the history ledger",
		Long: `Show the most recent runs recorded in the SQLite ledger, newest first.

Examples:
  autotask history               # Last 20 runs
  autotask history --limit 100   # Last 100 runs
  autotask history --json        # Machine-readable`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return errHistoryDisabled
			}

			store, err := history.Open(cfg.History.Driver, cfg.History.Path)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer func() { _ = store.Close() }()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if outputJSON {
				if entries == nil {
					entries = []history.Entry{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

var (
	historyHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	historyCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	historyFailStyle   = historyCellStyle.Foreground(lipgloss.Color("#D48A8A"))
	historyOKStyle     = historyCellStyle.Foreground(lipgloss.Color("#7EC699"))
)

const outcomeColumn = 3

func printHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded.")
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, historyRow(e))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FINISHED", "ISSUE", "TYPE", "OUTCOME", "STATUS", "DURATION", "REASON").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return historyHeaderStyle
			}
			if col == outcomeColumn && row >= 0 && row < len(rows) {
				switch rows[row][col] {
				case "completed":
					return historyOKStyle
				case "failed":
					return historyFailStyle
				}
			}
			return historyCellStyle
		})

	_, _ = fmt.Fprintln(w, t.String())
}

func historyRow(e history.Entry) []string {
	issueID := e.IssueID
	if issueID == "" {
		issueID = "-"
	}
	status := "-"
	switch {
	case e.Reconciled:
		status = "updated"
	case e.Outcome != "abandoned":
		status = "unconfirmed"
	}
	return []string{
		e.FinishedAt.Local().Format("2006-01-02 15:04"),
		issueID,
		e.IssueType,
		e.Outcome,
		status,
		e.Duration.Round(time.Second).String(),
		e.Reason,
	}
}
