package pipeline

import (
	"time"

	"github.com/xiaogangdengdai/autotask/internal/issue"
)

// State is a step of the per-issue state machine.
type State string

const (
	StateExtract     State = "extract"
	StateParsed      State = "parsed"
	StateUnsupported State = "unsupported"
	StateDispatch    State = "dispatch"
	StateExecute     State = "execute"
	StateSuccess     State = "success"
	StateFailure     State = "failure"
	StateReconciled  State = "reconciled"
	StateAborted     State = "aborted"
)

// Outcome is the terminal result of a run.
type Outcome string

const (
	// OutcomeCompleted means stage 2 exited zero.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the issue was reported as failed: unsupported type
	// or a failed stage 2.
	OutcomeFailed Outcome = "failed"
	// OutcomeAbandoned means the run never obtained an issue id, or panicked
	// before its outcome was decided.
	// Nothing is reported back for it.
	OutcomeAbandoned Outcome = "abandoned"
)

// Run records one pass of the pipeline over a single issue.
type Run struct {
	ID     string
	Record issue.Record

	Stage1Output string
	Stage2Prompt string
	Stage2Output string
	Stage2Stderr string
	ExitCode     int

	Stage1Path string
	Stage2Path string

	States     []State
	Outcome    Outcome
	Reason     string
	Reconciled bool

	StartedAt  time.Time
	FinishedAt time.Time
}

// State returns the most recent state.
func (r *Run) State() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

// Duration returns how long the run took, or zero while it is in flight.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Run) enter(s State) {
	r.States = append(r.States, s)
}

func (r *Run) complete(message string) {
	r.Outcome = OutcomeCompleted
	r.Reason = message
}

func (r *Run) fail(reason string) {
	r.Outcome = OutcomeFailed
	r.Reason = reason
}

func (r *Run) abandon(reason string) {
	r.enter(StateAborted)
	r.Outcome = OutcomeAbandoned
	r.Reason = reason
}

// interrupt handles a recovered panic. A run without an outcome is abandoned;
// a decided outcome stands and the report back is treated as unconfirmed.
func (r *Run) interrupt(reason string) {
	if r.Outcome == "" {
		r.abandon(reason)
		return
	}
	r.Reconciled = false
	if r.Reason == "" {
		r.Reason = reason
		return
	}
	r.Reason += " (" + reason + ")"
}
