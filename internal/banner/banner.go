// Package banner prints the startup header.
package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/xiaogangdengdai/autotask/internal/config"
	"github.com/xiaogangdengdai/autotask/internal/health"
)

// Tagline is the project tagline
const Tagline = "Issue-driven agent runner"

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7eb8da"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#d48a8a"))
)

// PrintWithVersion prints a one-line header with version info
func PrintWithVersion(w io.Writer, version string) {
	_, _ = fmt.Fprintf(w, "%s %s\n", titleStyle.Render("AUTOTASK v"+version), dimStyle.Render(Tagline))
}

// StartupWithHealth prints the startup banner with dependency and feature
// status. It returns the report so callers can refuse to start on errors.
func StartupWithHealth(w io.Writer, version string, cfg *config.Config) *health.Report {
	report := health.RunChecks(cfg)

	_, _ = fmt.Fprintln(w)
	PrintWithVersion(w, version)
	_, _ = fmt.Fprintln(w, rule)

	for _, c := range report.Dependencies {
		line := fmt.Sprintf("%s %-12s %s", c.Status.Symbol(), c.Name, c.Message)
		if c.Status == health.StatusError {
			line = errStyle.Render(line)
		}
		_, _ = fmt.Fprintln(w, line)
		if c.Fix != "" && c.Status != health.StatusOK {
			_, _ = fmt.Fprintf(w, "  %s\n", dimStyle.Render("fix: "+c.Fix))
		}
	}
	_, _ = fmt.Fprintln(w)

	// Features in compact grid
	cols, colWidth := 3, 16
	for i, f := range report.Features {
		name := f.Name
		if f.Note != "" {
			name += "*"
		}
		_, _ = fmt.Fprintf(w, "%s %-*s", f.Status.Symbol(), colWidth-2, name)
		if (i+1)%cols == 0 || i == len(report.Features)-1 {
			_, _ = fmt.Fprintln(w)
		}
	}

	var notes []string
	for _, f := range report.Features {
		if f.Note != "" {
			notes = append(notes, fmt.Sprintf("  * %s: %s", f.Name, f.Note))
		}
	}
	if len(notes) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, strings.Join(notes, "\n"))
	}

	_, _ = fmt.Fprintln(w, rule)
	_, _ = fmt.Fprintln(w)
	return report
}
