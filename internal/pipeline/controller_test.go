package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/issue"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
)

// scriptedInvoker replays results in order and records every prompt.
type scriptedInvoker struct {
	results []agent.Result
	prompts []string
	panicAt int
}

func (s *scriptedInvoker) Invoke(_ context.Context, p string, _ time.Duration) agent.Result {
	s.prompts = append(s.prompts, p)
	if s.panicAt > 0 && len(s.prompts) == s.panicAt {
		panic("agent exploded")
	}
	if len(s.prompts) > len(s.results) {
		return agent.Result{ExitCode: agent.ExitFailed, Stderr: "unexpected call"}
	}
	return s.results[len(s.prompts)-1]
}

type statusCall struct {
	id      string
	status  issue.Status
	message string
}

type fakeReporter struct {
	calls  []statusCall
	result bool
	panics bool
}

func (f *fakeReporter) ReportStatus(_ context.Context, id string, status issue.Status, message string) bool {
	f.calls = append(f.calls, statusCall{id, status, message})
	if f.panics {
		panic("reporter blew up")
	}
	return f.result
}

type failingArtifacts struct{}

func (failingArtifacts) Save(name, _ string) (string, error) {
	return "", errors.New("disk full")
}

type recorderFunc func(ctx context.Context, run *Run) error

func (f recorderFunc) Record(ctx context.Context, run *Run) error { return f(ctx, run) }

var fixedNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

const bugFixStage1 = `Here is the issue I fetched.

<extracted>
<id>42</id>
<type>1</type>
<createTableSql>CREATE TABLE t(id INT);</createTableSql>
<businessContext>Order totals are wrong</businessContext>
<description></description>
<newRequirement></newRequirement>
<beforeTransformation></beforeTransformation>
<transformation></transformation>
<attachmentPaths>/uploads/42/a.png</attachmentPaths>
</extracted>
`

type harness struct {
	invoker  *scriptedInvoker
	reporter *fakeReporter
	dir      string
	bus      *events.Bus
	ctrl     *Controller
}

func newHarness(t *testing.T, results ...agent.Result) *harness {
	t.Helper()
	dir := t.TempDir()
	arts, err := NewDirArtifacts(dir)
	require.NoError(t, err)

	h := &harness{
		invoker:  &scriptedInvoker{results: results},
		reporter: &fakeReporter{result: true},
		dir:      dir,
		bus:      events.NewBus(100),
	}
	h.ctrl = NewController(h.invoker, prompt.NewBuilder(prompt.DefaultPolicy()), h.reporter, arts,
		WithEvents(h.bus),
		WithClock(func() time.Time { return fixedNow }),
	)
	return h
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcessOneBugFixCompleted(t *testing.T) {
	h := newHarness(t,
		agent.Result{ExitCode: 0, Stdout: bugFixStage1},
		agent.Result{ExitCode: 0, Stdout: "Fixed the totals."},
	)

	run := h.ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeCompleted, run.Outcome)
	assert.Equal(t, "42", run.Record.ID)
	assert.Equal(t, issue.TypeBugFix, run.Record.Type)
	assert.Equal(t, []State{StateExtract, StateParsed, StateDispatch, StateExecute, StateSuccess, StateReconciled}, run.States)
	assert.True(t, run.Reconciled)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.FinishedAt.IsZero())

	require.Len(t, h.invoker.prompts, 2)
	assert.Contains(t, h.invoker.prompts[0], "<extracted>")
	assert.Equal(t, run.Stage2Prompt, h.invoker.prompts[1])
	assert.Contains(t, run.Stage2Prompt, "<createTableSql>\nCREATE TABLE t(id INT);\n</createTableSql>")
	assert.Contains(t, run.Stage2Prompt, "fix the bug")

	require.Len(t, h.reporter.calls, 1)
	assert.Equal(t, statusCall{"42", issue.StatusCompleted, SuccessMessage}, h.reporter.calls[0])

	assert.ElementsMatch(t, []string{"stage1_20261018_090000.txt", "stage2_20261018_090000.txt"}, h.files(t))
	stage1, err := os.ReadFile(filepath.Join(h.dir, "stage1_20261018_090000.txt"))
	require.NoError(t, err)
	assert.Equal(t, bugFixStage1, string(stage1))
	stage2, err := os.ReadFile(run.Stage2Path)
	require.NoError(t, err)
	assert.Equal(t, "Fixed the totals.", string(stage2))
}

func TestProcessOneStage1Failure(t *testing.T) {
	h := newHarness(t, agent.Result{ExitCode: 1, Stderr: "mcp server unreachable"})

	run := h.ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeAbandoned, run.Outcome)
	assert.Equal(t, StateAborted, run.State())
	assert.Contains(t, run.Reason, "exit code 1")
	assert.Len(t, h.invoker.prompts, 1, "stage 2 must not run")
	assert.Empty(t, h.reporter.calls, "no reconciliation without an id")
	assert.Empty(t, h.files(t), "no artifacts for a failed extraction")
}

func TestProcessOneMissingID(t *testing.T) {
	h := newHarness(t, agent.Result{ExitCode: 0, Stdout: "There are no pending issues."})

	run := h.ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeAbandoned, run.Outcome)
	assert.Equal(t, ReasonNoIssueID, run.Reason)
	assert.Equal(t, []State{StateExtract, StateParsed, StateAborted}, run.States)
	assert.Len(t, h.invoker.prompts, 1)
	assert.Empty(t, h.reporter.calls)
	assert.Equal(t, []string{"stage1_20261018_090000.txt"}, h.files(t), "stage-1 output is kept for inspection")
}

func TestProcessOneUnsupportedType(t *testing.T) {
	for _, typ := range []string{"5", "0", "abc", ""} {
		t.Run("type="+typ, func(t *testing.T) {
			stage1 := "<extracted><id>77</id><type>" + typ + "</type></extracted>"
			h := newHarness(t, agent.Result{ExitCode: 0, Stdout: stage1})

			run := h.ctrl.ProcessOne(context.Background())

			assert.Equal(t, OutcomeFailed, run.Outcome)
			assert.Equal(t, []State{StateExtract, StateParsed, StateUnsupported, StateReconciled}, run.States)
			assert.Len(t, h.invoker.prompts, 1, "stage 2 is never attempted")
			require.Len(t, h.reporter.calls, 1)
			assert.Equal(t, issue.StatusFailed, h.reporter.calls[0].status)
			assert.Equal(t, run.Reason, h.reporter.calls[0].message)
			assert.Regexp(t, `^unsupported type: \d+, pending implementation$`, run.Reason)
			assert.NotContains(t, h.files(t), "stage2_20261018_090000.txt")
		})
	}
}

func TestProcessOneUnsupportedTypeMessage(t *testing.T) {
	h := newHarness(t, agent.Result{ExitCode: 0, Stdout: "<extracted><id>77</id><type>5</type></extracted>"})
	run := h.ctrl.ProcessOne(context.Background())
	assert.Equal(t, "unsupported type: 5, pending implementation", run.Reason)
}

func TestProcessOneStage2Failure(t *testing.T) {
	h := newHarness(t,
		agent.Result{ExitCode: 0, Stdout: bugFixStage1},
		agent.Result{ExitCode: 2, Stdout: "tried", Stderr: "compile error"},
	)

	run := h.ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, "task execution failed: compile error", run.Reason)
	assert.Equal(t, StateReconciled, run.State())
	assert.Contains(t, run.States, StateFailure)
	assert.Equal(t, 2, run.ExitCode)
	require.Len(t, h.reporter.calls, 1)
	assert.Equal(t, statusCall{"42", issue.StatusFailed, "task execution failed: compile error"}, h.reporter.calls[0])

	content, err := os.ReadFile(filepath.Join(h.dir, "stage2_20261018_090000.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tried\n\n=== STDERR ===\ncompile error", string(content))
}

func TestProcessOneStage2Timeout(t *testing.T) {
	h := newHarness(t,
		agent.Result{ExitCode: 0, Stdout: bugFixStage1},
		agent.Result{ExitCode: agent.ExitFailed, TimedOut: true, Stderr: "agent execution timed out (30m0s)"},
	)

	run := h.ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, "task execution failed: agent execution timed out (30m0s)", run.Reason)
}

func TestProcessOneReconcileFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t,
		agent.Result{ExitCode: 0, Stdout: bugFixStage1},
		agent.Result{ExitCode: 0, Stdout: "done"},
	)
	h.reporter.result = false

	run := h.ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeCompleted, run.Outcome)
	assert.False(t, run.Reconciled)
	assert.Len(t, h.reporter.calls, 1, "no retry")
}

func TestProcessOneRecoversPanic(t *testing.T) {
	h := newHarness(t, agent.Result{ExitCode: 0, Stdout: bugFixStage1})
	h.invoker.panicAt = 2

	var run *Run
	assert.NotPanics(t, func() { run = h.ctrl.ProcessOne(context.Background()) })

	assert.Equal(t, OutcomeAbandoned, run.Outcome)
	assert.Contains(t, run.Reason, "agent exploded")
	assert.Equal(t, StateAborted, run.State())
	assert.False(t, run.FinishedAt.IsZero())
}

func TestProcessOneReconcilePanicKeepsOutcome(t *testing.T) {
	tests := []struct {
		name    string
		stage2  agent.Result
		outcome Outcome
		kind    string
	}{
		{"completed", agent.Result{ExitCode: 0, Stdout: "done"}, OutcomeCompleted, "completed"},
		{"failed", agent.Result{ExitCode: 1, Stderr: "build broke"}, OutcomeFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, agent.Result{ExitCode: 0, Stdout: bugFixStage1}, tt.stage2)
			h.reporter.panics = true
			sub := h.bus.Subscribe()
			defer h.bus.Unsubscribe(sub)

			var run *Run
			require.NotPanics(t, func() { run = h.ctrl.ProcessOne(context.Background()) })

			assert.Equal(t, tt.outcome, run.Outcome)
			assert.False(t, run.Reconciled)
			assert.Contains(t, run.Reason, "panic: reporter blew up")
			assert.NotContains(t, run.States, StateAborted)
			assert.False(t, run.FinishedAt.IsZero())

			var finished []events.Event
			for len(sub) > 0 {
				if e := <-sub; e.Kind == events.KindRunFinished {
					finished = append(finished, e)
				}
			}
			require.Len(t, finished, 1)
			assert.Equal(t, tt.kind, finished[0].Message)
			assert.Equal(t, "false", finished[0].Data["reconciled"])
		})
	}
}

func TestProcessOneArtifactFailureContinues(t *testing.T) {
	inv := &scriptedInvoker{results: []agent.Result{
		{ExitCode: 0, Stdout: bugFixStage1},
		{ExitCode: 0, Stdout: "done"},
	}}
	rep := &fakeReporter{result: true}
	ctrl := NewController(inv, prompt.NewBuilder(prompt.DefaultPolicy()), rep, failingArtifacts{})

	run := ctrl.ProcessOne(context.Background())

	assert.Equal(t, OutcomeCompleted, run.Outcome)
	assert.Empty(t, run.Stage1Path)
	assert.Empty(t, run.Stage2Path)
	assert.Len(t, rep.calls, 1)
}

func TestProcessOnePublishesEvents(t *testing.T) {
	h := newHarness(t,
		agent.Result{ExitCode: 0, Stdout: bugFixStage1},
		agent.Result{ExitCode: 0, Stdout: "done"},
	)

	run := h.ctrl.ProcessOne(context.Background())

	evts := h.bus.Recent(0)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.KindRunStarted, evts[0].Kind)
	last := evts[len(evts)-1]
	assert.Equal(t, events.KindRunFinished, last.Kind)
	assert.Equal(t, string(OutcomeCompleted), last.Message)
	assert.Equal(t, "42", last.IssueID)

	var artifacts, reconciled int
	for _, e := range evts {
		assert.Equal(t, run.ID, e.RunID)
		switch e.Kind {
		case events.KindArtifact:
			artifacts++
		case events.KindReconciled:
			reconciled++
			assert.Equal(t, "true", e.Data["confirmed"])
		}
	}
	assert.Equal(t, 2, artifacts)
	assert.Equal(t, 1, reconciled)
}

func TestProcessOneRecordsHistory(t *testing.T) {
	var recorded []*Run
	inv := &scriptedInvoker{results: []agent.Result{{ExitCode: 1}}}
	ctrl := NewController(inv, prompt.NewBuilder(prompt.DefaultPolicy()), &fakeReporter{}, failingArtifacts{},
		WithRecorder(recorderFunc(func(_ context.Context, run *Run) error {
			recorded = append(recorded, run)
			return errors.New("database locked")
		})),
	)

	run := ctrl.ProcessOne(context.Background())

	require.Len(t, recorded, 1)
	assert.Same(t, run, recorded[0])
	assert.Equal(t, OutcomeAbandoned, run.Outcome, "recorder errors never change the outcome")
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "task execution failed: unknown error", FailureMessage(""))
	assert.Equal(t, "task execution failed: oops", FailureMessage("oops"))

	long := strings.Repeat("x", 250)
	assert.Equal(t, "task execution failed: "+strings.Repeat("x", 200), FailureMessage(long))
}

func TestStage2Content(t *testing.T) {
	assert.Equal(t, "out", stage2Content("out", ""))
	assert.Equal(t, "out\n\n=== STDERR ===\nerr", stage2Content("out", "err"))
}
