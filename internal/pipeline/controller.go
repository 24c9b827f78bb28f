// Package pipeline sequences the processing of a single issue: extraction,
// type dispatch, execution and status reconciliation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/extract"
	"github.com/xiaogangdengdai/autotask/internal/issue"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
)

const (
	// SuccessMessage is reported for a run whose execution exited zero.
	SuccessMessage = "completed by the automated task runner"

	// ReasonNoIssueID is why a run is abandoned when stage 1 yields no id.
	ReasonNoIssueID = "no issue id extracted"
)

const (
	failurePrefix       = "task execution failed: "
	unknownFailure      = "unknown error"
	unsupportedMessage  = "unsupported type: %d, pending implementation"
	maxStderrInMessage  = 200
	separatorWidth      = 50
	defaultAgentTimeout = 30 * time.Minute
)

// StatusReporter reports an issue's final status back to the issue source.
type StatusReporter interface {
	ReportStatus(ctx context.Context, issueID string, status issue.Status, message string) bool
}

// Recorder stores a summary of finished runs.
type Recorder interface {
	Record(ctx context.Context, run *Run) error
}

// Controller processes one issue at a time. It is not safe for concurrent
// use: the agent owns the working directory for the duration of a run.
type Controller struct {
	invoker   agent.Invoker
	builder   *prompt.Builder
	parser    *extract.Parser
	reporter  StatusReporter
	artifacts ArtifactStore
	events    events.Publisher
	recorder  Recorder
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithEvents publishes run progress to p.
func WithEvents(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.events = p
		}
	}
}

// WithRecorder stores a summary of every finished run.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithTimeout sets the timeout of the extraction and execution calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the clock used for artifact stamps and run times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a Controller.
func NewController(invoker agent.Invoker, builder *prompt.Builder, reporter StatusReporter, artifacts ArtifactStore, opts ...Option) *Controller {
	log := logging.WithComponent("pipeline")
	c := &Controller{
		invoker:   invoker,
		builder:   builder,
		parser:    extract.NewParser(extract.DefaultSchema(), log),
		reporter:  reporter,
		artifacts: artifacts,
		events:    events.Nop{},
		timeout:   defaultAgentTimeout,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessOne fetches, executes and reconciles a single issue. It always
// returns a finished Run; failures are recorded on it rather than returned.
// A panic is recovered: before the outcome is decided the run is abandoned,
// after it the outcome stands and the run is marked unreconciled.
func (c *Controller) ProcessOne(ctx context.Context) (run *Run) {
	run = &Run{
		ID:        uuid.NewString(),
		StartedAt: c.now(),
	}
	log := c.log.With(slog.String("run_id", run.ID))
	ctx = logging.ContextWithRunID(ctx, run.ID)

	log.Info(strings.Repeat("=", separatorWidth))
	log.Info("Processing issue")
	c.publish(run, events.KindRunStarted, "run started", nil)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline run panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			run.interrupt(fmt.Sprintf("panic: %v", r))
		}
		c.finish(ctx, run, log)
	}()

	c.process(ctx, run, log)
	return run
}

func (c *Controller) process(ctx context.Context, run *Run, log *slog.Logger) {
	c.enter(run, StateExtract)
	res := c.invoker.Invoke(ctx, c.builder.ExtractPrompt(), c.timeout)
	if !res.Success() {
		log.Error("Extraction failed",
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", res.Stderr),
		)
		run.abandon(fmt.Sprintf("extraction failed: exit code %d", res.ExitCode))
		return
	}

	run.Stage1Output = res.Stdout
	stamp := c.now().Format(ArtifactTimeLayout)
	c.enter(run, StateParsed)
	run.Stage1Path = c.save(run, Stage1Name(stamp), res.Stdout, log)

	run.Record = c.parser.Parse(res.Stdout).Record()
	if !run.Record.HasID() {
		log.Warn("Could not extract issue id, skipping", slog.String("output_preview", preview(res.Stdout)))
		run.abandon(ReasonNoIssueID)
		return
	}

	log = log.With(slog.String("issue_id", run.Record.ShortID()))
	ctx = logging.ContextWithIssueID(ctx, run.Record.ID)
	log.Info("Issue extracted", slog.String("type", run.Record.Type.String()))

	if !run.Record.Type.Supported() {
		c.enter(run, StateUnsupported)
		message := fmt.Sprintf(unsupportedMessage, int(run.Record.Type))
		log.Warn("Unsupported issue type", slog.Int("type", int(run.Record.Type)))
		run.fail(message)
		c.reconcile(ctx, run, issue.StatusFailed, message)
		return
	}

	c.enter(run, StateDispatch)
	text, err := c.builder.Render(run.Record.Type, run.Record)
	if err != nil {
		log.Error("Failed to render execution prompt", slog.Any("error", err))
		run.fail(err.Error())
		c.reconcile(ctx, run, issue.StatusFailed, err.Error())
		return
	}
	run.Stage2Prompt = text
	log.Info("Execution prompt rendered",
		slog.String("template", prompt.TemplateName(run.Record.Type)),
		slog.Int("prompt_chars", len([]rune(text))),
	)

	c.enter(run, StateExecute)
	res = c.invoker.Invoke(ctx, text, c.timeout)
	run.Stage2Output = res.Stdout
	run.Stage2Stderr = res.Stderr
	run.ExitCode = res.ExitCode
	run.Stage2Path = c.save(run, Stage2Name(stamp), stage2Content(res.Stdout, res.Stderr), log)

	if res.Success() {
		c.enter(run, StateSuccess)
		log.Info("Issue processed successfully")
		run.complete(SuccessMessage)
		c.reconcile(ctx, run, issue.StatusCompleted, SuccessMessage)
		return
	}

	c.enter(run, StateFailure)
	message := FailureMessage(res.Stderr)
	log.Error("Issue processing failed",
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
	)
	run.fail(message)
	c.reconcile(ctx, run, issue.StatusFailed, message)
}

// FailureMessage builds the status message for a failed execution.
func FailureMessage(stderr string) string {
	if stderr == "" {
		return failurePrefix + unknownFailure
	}
	r := []rune(stderr)
	if len(r) > maxStderrInMessage {
		r = r[:maxStderrInMessage]
	}
	return failurePrefix + string(r)
}

func (c *Controller) reconcile(ctx context.Context, run *Run, status issue.Status, message string) {
	run.Reconciled = c.reporter.ReportStatus(ctx, run.Record.ID, status, message)
	c.enter(run, StateReconciled)
	c.publish(run, events.KindReconciled, status.String(), map[string]string{
		"status":    strconv.Itoa(int(status)),
		"confirmed": strconv.FormatBool(run.Reconciled),
	})
}

func (c *Controller) save(run *Run, name, content string, log *slog.Logger) string {
	path, err := c.artifacts.Save(name, content)
	if err != nil {
		log.Error("Failed to save artifact", slog.String("name", name), slog.Any("error", err))
		return ""
	}
	log.Info("Saved agent output", slog.String("path", path))
	c.publish(run, events.KindArtifact, name, map[string]string{"path": path})
	return path
}

func (c *Controller) enter(run *Run, s State) {
	run.enter(s)
	c.publish(run, events.KindStage, string(s), nil)
}

func (c *Controller) finish(ctx context.Context, run *Run, log *slog.Logger) {
	run.FinishedAt = c.now()

	log.Info("Run finished",
		slog.String("outcome", string(run.Outcome)),
		slog.String("reason", run.Reason),
		slog.Bool("reconciled", run.Reconciled),
		slog.Duration("duration", run.Duration().Round(time.Millisecond)),
	)
	log.Info(strings.Repeat("-", separatorWidth))

	c.publish(run, events.KindRunFinished, string(run.Outcome), map[string]string{
		"reason":     run.Reason,
		"type":       run.Record.Type.String(),
		"reconciled": strconv.FormatBool(run.Reconciled),
		"duration":   run.Duration().Round(time.Second).String(),
	})

	if c.recorder != nil {
		if err := c.recorder.Record(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("Failed to record run history", slog.Any("error", err))
		}
	}
}

func (c *Controller) publish(run *Run, kind events.Kind, message string, data map[string]string) {
	c.events.Publish(events.Event{
		Kind:    kind,
		RunID:   run.ID,
		IssueID: run.Record.ID,
		Message: message,
		Data:    data,
	})
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
