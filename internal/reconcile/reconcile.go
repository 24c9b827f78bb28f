// Package reconcile reports a processed issue's final status back to the issue
// source through a follow-up agent call.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/issue"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
)

const (
	// MaxMessageRunes bounds the message embedded in the status prompt.
	MaxMessageRunes = 500

	// DefaultMessage replaces an empty status message.
	DefaultMessage = "processed by the automated task runner"

	defaultTimeout = 5 * time.Minute
)

// Reporter asks the agent to update an issue's status and checks that the
// agent confirmed with prompt.UpdateDoneToken.
type Reporter struct {
	invoker agent.Invoker
	builder *prompt.Builder
	timeout time.Duration
}

// NewReporter creates a Reporter. A non-positive timeout uses five minutes.
func NewReporter(invoker agent.Invoker, builder *prompt.Builder, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Reporter{
		invoker: invoker,
		builder: builder,
		timeout: timeout,
	}
}

// ReportStatus sends status for issueID and reports whether the agent
// confirmed the update. A false result is logged and never retried.
//
// The call is detached from ctx cancellation: a run interrupted by shutdown
// still gets its failure recorded, bounded by the reporter's timeout.
func (r *Reporter) ReportStatus(ctx context.Context, issueID string, status issue.Status, message string) bool {
	ctx = logging.ContextWithIssueID(logging.ContextWithComponent(ctx, "reconcile"), issueID)
	log := logging.WithContext(ctx).With(slog.Int("status", int(status)))
	if issueID == "" {
		log.Warn("Skipping status update for issue without id")
		return false
	}

	message = Truncate(message, MaxMessageRunes)
	if message == "" {
		message = DefaultMessage
	}

	log.Info("Updating issue status", slog.String("message", Truncate(message, 100)))

	res := r.invoker.Invoke(context.WithoutCancel(ctx), r.builder.StatusPrompt(issueID, status, message), r.timeout)
	if res.ExitCode == 0 && strings.Contains(res.Stdout, prompt.UpdateDoneToken) {
		log.Info("Issue status updated", slog.String("status_name", status.String()))
		return true
	}

	log.Warn("Issue status update not confirmed",
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.String("stdout", Truncate(res.Stdout, 200)),
		slog.String("stderr", Truncate(res.Stderr, 200)),
	)
	return false
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
