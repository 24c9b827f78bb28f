// Package digest produces the periodic summary of pipeline runs from the
// history ledger and logs and publishes it on a cron schedule.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xiaogangdengdai/autotask/internal/history"
)

// Config holds digest settings.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule" validate:"required_if=Enabled true"`
	Timezone string        `yaml:"timezone"`
	Window   time.Duration `yaml:"window" validate:"gte=0"`
}

// DefaultConfig returns digest defaults: daily at 09:00 local time covering
// the last 24 hours. Disabled unless enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:  false,
		Schedule: "0 9 * * *",
		Timezone: "Local",
		Window:   24 * time.Hour,
	}
}

// Validate checks the schedule expression and timezone.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid digest schedule %q: %w", c.Schedule, err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid digest timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// SummarySource provides run counts; history.Store implements it.
type SummarySource interface {
	Summary(ctx context.Context, since time.Time) (history.Summary, error)
}

// Digest is one generated summary.
type Digest struct {
	GeneratedAt time.Time
	Window      time.Duration
	Summary     history.Summary
}

// Generate builds a digest covering window up to now.
func Generate(ctx context.Context, source SummarySource, window time.Duration, now time.Time) (*Digest, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	sum, err := source.Summary(ctx, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}
	return &Digest{GeneratedAt: now, Window: window, Summary: sum}, nil
}

// Headline is the one-line form used for log lines and events.
func (d *Digest) Headline() string {
	s := d.Summary
	return fmt.Sprintf("%d runs in the last %s: %d completed, %d failed, %d abandoned, %d unreconciled",
		s.Total, formatWindow(d.Window), s.Completed, s.Failed, s.Abandoned, s.Unreconciled)
}

// Format renders the digest as plain text.
func (d *Digest) Format() string {
	var sb strings.Builder
	s := d.Summary

	sb.WriteString(fmt.Sprintf("AUTOTASK DIGEST - %s\n", d.GeneratedAt.Format("Jan 2, 2006 15:04")))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")
	sb.WriteString(fmt.Sprintf("Window:        last %s\n", formatWindow(d.Window)))
	sb.WriteString(fmt.Sprintf("Runs:          %d\n", s.Total))
	sb.WriteString(fmt.Sprintf("Completed:     %d\n", s.Completed))
	sb.WriteString(fmt.Sprintf("Failed:        %d\n", s.Failed))
	sb.WriteString(fmt.Sprintf("Abandoned:     %d\n", s.Abandoned))
	sb.WriteString(fmt.Sprintf("Unreconciled:  %d\n", s.Unreconciled))
	if s.Total > 0 {
		rate := float64(s.Completed) / float64(s.Total) * 100
		sb.WriteString(fmt.Sprintf("Success rate:  %.0f%%\n", rate))
	}
	if s.Unreconciled > 0 {
		sb.WriteString("\nSome issues were processed but their status update was not confirmed;\n")
		sb.WriteString("check them in the issue tracker.\n")
	}
	return sb.String()
}

func formatWindow(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "24h"
		}
		return fmt.Sprintf("%dd", days)
	}
	return d.String()
}
