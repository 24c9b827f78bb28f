// Package scheduler runs the poll loop: probe the issue source through the
// agent, process pending issues one at a time, sleep when there is nothing
// to do, until the context is cancelled.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/pipeline"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
)

// Processor handles one pending issue.
type Processor interface {
	ProcessOne(ctx context.Context) *pipeline.Run
}

// Phase is what the scheduler is doing right now.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProbing    Phase = "probing"
	PhaseProcessing Phase = "processing"
	PhaseSleeping   Phase = "sleeping"
	PhaseCooldown   Phase = "cooldown"
	PhaseStopped    Phase = "stopped"
)

// RunSummary describes the most recent pipeline run.
type RunSummary struct {
	ID         string    `json:"id"`
	IssueID    string    `json:"issue_id,omitempty"`
	Type       string    `json:"type,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Reconciled bool      `json:"reconciled"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Phase            Phase       `json:"phase"`
	StartedAt        time.Time   `json:"started_at"`
	LastProbeAt      time.Time   `json:"last_probe_at"`
	LastProbePending bool        `json:"last_probe_pending"`
	NextCheckAt      time.Time   `json:"next_check_at"`
	Probes           int         `json:"probes"`
	Processed        int         `json:"processed"`
	Completed        int         `json:"completed"`
	Failed           int         `json:"failed"`
	Abandoned        int         `json:"abandoned"`
	Panics           int         `json:"panics"`
	LastRun          *RunSummary `json:"last_run,omitempty"`
}

// Scheduler drives the probe/process/sleep loop. All agent work happens on
// the goroutine calling Run; Status may be called from any goroutine.
type Scheduler struct {
	invoker   agent.Invoker
	builder   *prompt.Builder
	processor Processor

	interval     time.Duration
	cooldown     time.Duration
	probeTimeout time.Duration
	maxRuns      int

	events events.Publisher
	logger *slog.Logger

	mu     sync.RWMutex
	status Status
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how long to sleep when no work is pending.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithErrorCooldown sets the pause after a panicking iteration.
func WithErrorCooldown(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithProbeTimeout bounds the pending-work probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithMaxRuns stops Run after n processed issues. Zero means no limit.
func WithMaxRuns(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRuns = n
		}
	}
}

// WithEvents publishes probe results to p.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.events = p
		}
	}
}

// New creates a Scheduler.
func New(invoker agent.Invoker, builder *prompt.Builder, processor Processor, opts ...Option) *Scheduler {
	s := &Scheduler{
		invoker:      invoker,
		builder:      builder,
		processor:    processor,
		interval:     60 * time.Second,
		cooldown:     60 * time.Second,
		probeTimeout: 2 * time.Minute,
		events:       events.Nop{},
		logger:       logging.WithComponent("scheduler"),
		status:       Status{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops until ctx is cancelled or the run limit is reached. Pending work
// is drained greedily; otherwise the scheduler sleeps for the interval. It
// returns nil on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.status.StartedAt = time.Now()
	s.mu.Unlock()
	defer s.setPhase(PhaseStopped)

	s.logger.Info("Scheduler started",
		slog.Duration("interval", s.interval),
		slog.Duration("probe_timeout", s.probeTimeout),
		slog.Int("max_runs", s.maxRuns),
	)

	for ctx.Err() == nil {
		processed, panicked := s.iterate(ctx)

		switch {
		case panicked:
			s.setPhase(PhaseCooldown)
			s.logger.Warn("Iteration failed, cooling down", slog.Duration("cooldown", s.cooldown))
			s.sleep(ctx, s.cooldown)
		case processed:
			if s.maxRuns > 0 && s.Status().Processed >= s.maxRuns {
				s.logger.Info("Run limit reached", slog.Int("processed", s.maxRuns))
				return nil
			}
		default:
			s.setPhase(PhaseSleeping)
			s.logger.Info("No pending issues, waiting", slog.Duration("interval", s.interval))
			s.sleep(ctx, s.interval)
		}
	}

	s.logger.Info("Scheduler stopped", slog.Int("processed", s.Status().Processed))
	return nil
}

// RunOnce probes once and processes at most one issue. It returns nil when
// nothing was pending.
func (s *Scheduler) RunOnce(ctx context.Context) *pipeline.Run {
	defer s.setPhase(PhaseIdle)
	if !s.Probe(ctx) {
		s.logger.Info("No pending issues")
		return nil
	}
	return s.process(ctx)
}

// iterate runs one probe and, when work is pending, one pipeline pass. A
// panic is recovered and reported through panicked.
func (s *Scheduler) iterate(ctx context.Context) (processed, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler iteration panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.mu.Lock()
			s.status.Panics++
			s.mu.Unlock()
			processed, panicked = false, true
		}
	}()

	if !s.Probe(ctx) {
		return false, false
	}
	if ctx.Err() != nil {
		return false, false
	}
	s.process(ctx)
	return true, false
}

// Probe asks the agent whether work is pending. Agent failures and timeouts
// count as nothing pending.
func (s *Scheduler) Probe(ctx context.Context) bool {
	s.setPhase(PhaseProbing)
	s.logger.Info("Checking for pending issues")

	res := s.invoker.Invoke(ctx, s.builder.ProbePrompt(), s.probeTimeout)
	pending := HasPendingWork(res.Stdout)

	switch {
	case res.TimedOut:
		s.logger.Warn("Probe timed out", slog.Duration("timeout", s.probeTimeout))
	case !res.Success():
		s.logger.Warn("Probe failed",
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", preview(res.Stderr)),
		)
	default:
		s.logger.Info("Probe result",
			slog.Bool("pending", pending),
			slog.String("output_preview", preview(res.Stdout)),
		)
	}

	s.mu.Lock()
	s.status.Probes++
	s.status.LastProbeAt = time.Now()
	s.status.LastProbePending = pending
	s.mu.Unlock()

	s.events.Publish(events.Event{
		Kind:    events.KindProbe,
		Message: probeMessage(pending),
	})
	return pending
}

// HasPendingWork reports whether probe output signals a pending issue.
func HasPendingWork(stdout string) bool {
	return strings.Contains(stdout, prompt.HasIssueToken) || strings.Contains(stdout, prompt.ReferenceMarker)
}

func (s *Scheduler) process(ctx context.Context) *pipeline.Run {
	s.setPhase(PhaseProcessing)
	run := s.processor.ProcessOne(ctx)
	if run == nil {
		return nil
	}

	summary := &RunSummary{
		ID:         run.ID,
		IssueID:    run.Record.ID,
		Outcome:    string(run.Outcome),
		Reason:     run.Reason,
		Reconciled: run.Reconciled,
		FinishedAt: run.FinishedAt,
	}
	if run.Record.HasID() {
		summary.Type = run.Record.Type.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Processed++
	switch run.Outcome {
	case pipeline.OutcomeCompleted:
		s.status.Completed++
	case pipeline.OutcomeFailed:
		s.status.Failed++
	default:
		s.status.Abandoned++
	}
	s.status.LastRun = summary
	return run
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.status.NextCheckAt = time.Now().Add(d)
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastRun != nil {
		last := *st.LastRun
		st.LastRun = &last
	}
	return st
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.status.Phase = p
	s.mu.Unlock()
}

func probeMessage(pending bool) string {
	if pending {
		return "pending issue found"
	}
	return "no pending issues"
}

func preview(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return string(r)
}
