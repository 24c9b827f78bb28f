package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/issue"
	"github.com/xiaogangdengdai/autotask/internal/pipeline"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
)

// probeScript answers probes in order; once exhausted it repeats the last
// answer. onCall runs after each probe with the call count.
type probeScript struct {
	mu      sync.Mutex
	answers []agent.Result
	calls   int
	onCall  func(n int)
}

func (p *probeScript) Invoke(_ context.Context, _ string, _ time.Duration) agent.Result {
	p.mu.Lock()
	p.calls++
	n := p.calls
	res := p.answers[len(p.answers)-1]
	if n <= len(p.answers) {
		res = p.answers[n-1]
	}
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall(n)
	}
	return res
}

func (p *probeScript) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeProcessor struct {
	mu       sync.Mutex
	calls    int
	outcomes []pipeline.Outcome
	panicOn  int
}

func (f *fakeProcessor) ProcessOne(context.Context) *pipeline.Run {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.panicOn == n {
		panic("pipeline blew up")
	}
	outcome := pipeline.OutcomeCompleted
	if n <= len(f.outcomes) {
		outcome = f.outcomes[n-1]
	}
	return &pipeline.Run{
		ID:         "run",
		Record:     issue.Record{ID: "42", Type: issue.TypeBugFix},
		Outcome:    outcome,
		FinishedAt: time.Now(),
	}
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	hasIssue = agent.Result{ExitCode: 0, Stdout: "HAS_ISSUE"}
	noIssue  = agent.Result{ExitCode: 0, Stdout: "NO_ISSUE"}
)

func runWithTimeout(t *testing.T, s *Scheduler, ctx context.Context) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunDrainsGreedily(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probes := &probeScript{answers: []agent.Result{hasIssue, hasIssue, noIssue}}
	probes.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	proc := &fakeProcessor{outcomes: []pipeline.Outcome{pipeline.OutcomeCompleted, pipeline.OutcomeFailed}}

	s := New(probes, prompt.NewBuilder(prompt.DefaultPolicy()), proc, WithInterval(time.Hour))
	runWithTimeout(t, s, ctx)

	assert.Equal(t, 2, proc.count(), "processed issues")
	assert.Equal(t, 3, probes.count(), "probes")

	st := s.Status()
	assert.Equal(t, 2, st.Processed)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, PhaseStopped, st.Phase)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "42", st.LastRun.IssueID)
	assert.Equal(t, "bug_fix", st.LastRun.Type)
}

func TestRunProbeTimeoutSleepsInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := 50 * time.Millisecond
	probes := &probeScript{answers: []agent.Result{
		{ExitCode: agent.ExitFailed, TimedOut: true, Stderr: "agent execution timed out (2m0s)"},
	}}
	probes.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	proc := &fakeProcessor{}

	s := New(probes, prompt.NewBuilder(prompt.DefaultPolicy()), proc, WithInterval(interval))
	start := time.Now()
	runWithTimeout(t, s, ctx)

	assert.Zero(t, proc.count(), "processor called after timed out probes")
	assert.GreaterOrEqual(t, time.Since(start), 2*interval, "expected at least two sleeps")
	assert.False(t, s.Status().LastProbePending, "timed out probe must count as no pending work")
}

func TestRunShutdownInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probes := &probeScript{answers: []agent.Result{noIssue}}
	s := New(probes, prompt.NewBuilder(prompt.DefaultPolicy()), &fakeProcessor{}, WithInterval(time.Hour))

	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	runWithTimeout(t, s, ctx)

	assert.Less(t, time.Since(start), time.Second, "shutdown should interrupt the sleep")
}

func TestRunRecoversPanicAndCoolsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probes := &probeScript{answers: []agent.Result{hasIssue, noIssue}}
	probes.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	proc := &fakeProcessor{panicOn: 1}

	cooldown := 50 * time.Millisecond
	s := New(probes, prompt.NewBuilder(prompt.DefaultPolicy()), proc,
		WithInterval(time.Hour),
		WithErrorCooldown(cooldown),
	)
	start := time.Now()
	runWithTimeout(t, s, ctx)

	assert.GreaterOrEqual(t, time.Since(start), cooldown, "expected a cooldown after the panic")
	assert.Equal(t, 1, s.Status().Panics)
	assert.Equal(t, 2, probes.count())
}

func TestRunMaxRuns(t *testing.T) {
	probes := &probeScript{answers: []agent.Result{hasIssue}}
	proc := &fakeProcessor{}

	s := New(probes, prompt.NewBuilder(prompt.DefaultPolicy()), proc, WithMaxRuns(2))
	runWithTimeout(t, s, context.Background())

	assert.Equal(t, 2, proc.count())
}

func TestRunOnce(t *testing.T) {
	t.Run("nothing pending", func(t *testing.T) {
		proc := &fakeProcessor{}
		s := New(&probeScript{answers: []agent.Result{noIssue}}, prompt.NewBuilder(prompt.DefaultPolicy()), proc)

		assert.Nil(t, s.RunOnce(context.Background()))
		assert.Zero(t, proc.count(), "processor should not run")
	})

	t.Run("pending", func(t *testing.T) {
		proc := &fakeProcessor{}
		s := New(&probeScript{answers: []agent.Result{hasIssue}}, prompt.NewBuilder(prompt.DefaultPolicy()), proc)

		run := s.RunOnce(context.Background())
		require.NotNil(t, run)
		assert.Equal(t, pipeline.OutcomeCompleted, run.Outcome)
		assert.Equal(t, 1, proc.count())
		assert.Equal(t, PhaseIdle, s.Status().Phase)
	})
}

func TestProbePublishesEvent(t *testing.T) {
	bus := events.NewBus(10)
	s := New(&probeScript{answers: []agent.Result{hasIssue}}, prompt.NewBuilder(prompt.DefaultPolicy()), &fakeProcessor{},
		WithEvents(bus),
	)

	require.True(t, s.Probe(context.Background()))
	evts := bus.Recent(0)
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindProbe, evts[0].Kind)
	assert.False(t, s.Status().LastProbeAt.IsZero(), "LastProbeAt not set")
}

func TestHasPendingWork(t *testing.T) {
	tests := []struct {
		stdout string
		want   bool
	}{
		{"HAS_ISSUE", true},
		{"I found one.\nHAS_ISSUE\n", true},
		{"<referenceInfo>{...}</referenceInfo>", true},
		{"NO_ISSUE", false},
		{"", false},
		{"has_issue", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPendingWork(tt.stdout), "HasPendingWork(%q)", tt.stdout)
	}
}

func TestProbeIgnoresExitCodeWhenMarkerPresent(t *testing.T) {
	s := New(&probeScript{answers: []agent.Result{{ExitCode: 1, Stdout: "HAS_ISSUE"}}},
		prompt.NewBuilder(prompt.DefaultPolicy()), &fakeProcessor{})

	assert.True(t, s.Probe(context.Background()), "marker in stdout means pending regardless of exit code")
}

func TestStatusReturnsCopy(t *testing.T) {
	s := New(&probeScript{answers: []agent.Result{hasIssue}}, prompt.NewBuilder(prompt.DefaultPolicy()), &fakeProcessor{})
	s.RunOnce(context.Background())

	st := s.Status()
	st.LastRun.IssueID = "mutated"
	assert.Equal(t, "42", s.Status().LastRun.IssueID, "Status() must return a copy")
}
