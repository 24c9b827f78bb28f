// Package dashboard renders a terminal view of the running scheduler: its
// phase and counters, the run in flight, recent outcomes and the event log.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/scheduler"
)

const (
	maxFinishedRuns = 5
	maxLogLines     = 100
	visibleLogLines = 10
)

// StatusProvider returns the scheduler snapshot.
type StatusProvider interface {
	Status() scheduler.Status
}

// EventSource is the subscription side of events.Bus.
type EventSource interface {
	Recent(n int) []events.Event
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// FinishedRun is one line of the history panel.
type FinishedRun struct {
	RunID      string
	IssueID    string
	Type       string
	Outcome    string
	Reason     string
	Reconciled bool
	Duration   string
	At         time.Time
}

// CurrentRun tracks the run in flight from its stage events.
type CurrentRun struct {
	RunID   string
	IssueID string
	Stages  []string
	Started time.Time
}

// Model is the TUI model
type Model struct {
	version  string
	status   StatusProvider
	snapshot scheduler.Status
	events   chan events.Event
	current  *CurrentRun
	finished []FinishedRun
	logs     []string
	showLogs bool
	width    int
	height   int
	quitting bool
	now      func() time.Time
}

// tickMsg is sent periodically to refresh the scheduler snapshot
type tickMsg time.Time

// eventMsg carries one event from the bus
type eventMsg events.Event

// eventsClosedMsg is sent when the subscription channel closes
type eventsClosedMsg struct{}

// NewModel creates a dashboard model. sub may be nil when no event stream is
// available; backlog seeds the history and log panels.
func NewModel(version string, status StatusProvider, sub chan events.Event, backlog []events.Event) Model {
	m := Model{
		version:  version,
		status:   status,
		events:   sub,
		showLogs: true,
		now:      time.Now,
	}
	if status != nil {
		m.snapshot = status.Status()
	}
	for _, e := range backlog {
		m.apply(e)
	}
	return m
}

// Init starts the refresh tick and the event pump
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForEvent(m.events))
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(ch chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		if m.status != nil {
			m.snapshot = m.status.Status()
		}
		return m, tickCmd()

	case eventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.events = nil
	}

	return m, nil
}

// apply folds one event into the model.
func (m *Model) apply(e events.Event) {
	switch e.Kind {
	case events.KindRunStarted:
		m.current = &CurrentRun{RunID: e.RunID, Started: e.Time}
	case events.KindStage:
		if m.current != nil && m.current.RunID == e.RunID {
			m.current.Stages = append(m.current.Stages, e.Message)
			if e.IssueID != "" {
				m.current.IssueID = e.IssueID
			}
		}
	case events.KindRunFinished:
		m.finished = append(m.finished, FinishedRun{
			RunID:      e.RunID,
			IssueID:    e.IssueID,
			Type:       e.Data["type"],
			Outcome:    e.Message,
			Reason:     e.Data["reason"],
			Reconciled: e.Data["reconciled"] == "true",
			Duration:   e.Data["duration"],
			At:         e.Time,
		})
		if len(m.finished) > maxFinishedRuns {
			m.finished = m.finished[len(m.finished)-maxFinishedRuns:]
		}
		if m.current != nil && m.current.RunID == e.RunID {
			m.current = nil
		}
	}

	m.logs = append(m.logs, formatEvent(e))
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

func formatEvent(e events.Event) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(string(e.Kind))
	if e.IssueID != "" {
		b.WriteString(" #" + e.IssueID)
	}
	if e.Message != "" {
		b.WriteString(" " + e.Message)
	}
	return b.String()
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "autotask dashboard closed.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  AUTOTASK %s", m.version)))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderCurrent())
	b.WriteString("\n")
	b.WriteString(m.renderHistory())
	b.WriteString("\n")
	if m.showLogs {
		b.WriteString(m.renderLogs())
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit  l: events"))
	return b.String()
}

func (m Model) renderStatus() string {
	w := panelInnerWidth
	st := m.snapshot
	now := m.now()

	lines := []string{dotLeaderStyled("Phase", string(st.Phase), phaseStyle(st.Phase), w)}

	switch {
	case st.Phase == scheduler.PhaseSleeping && !st.NextCheckAt.IsZero():
		lines = append(lines, dotLeader("Next check", formatUntil(now, st.NextCheckAt), w))
	case st.Phase == scheduler.PhaseCooldown:
		lines = append(lines, dotLeaderStyled("Cooldown until", formatUntil(now, st.NextCheckAt), warningStyle, w))
	}

	lastProbe := "never"
	if !st.LastProbeAt.IsZero() {
		lastProbe = formatTimeAgo(now, st.LastProbeAt)
		if st.LastProbePending {
			lastProbe += " (pending)"
		}
	}
	lines = append(lines,
		dotLeader("Last probe", lastProbe, w),
		dotLeader("Probes", fmt.Sprintf("%d", st.Probes), w),
		dotLeader("Processed", fmt.Sprintf("%d  (%d ok, %d failed, %d abandoned)", st.Processed, st.Completed, st.Failed, st.Abandoned), w),
	)
	if st.Panics > 0 {
		lines = append(lines, dotLeaderStyled("Panics", fmt.Sprintf("%d", st.Panics), statusFailedStyle, w))
	}
	return renderPanel("SCHEDULER", strings.Join(lines, "\n"))
}

func (m Model) renderCurrent() string {
	if m.current == nil {
		return renderPanel("CURRENT RUN", "  idle")
	}
	c := m.current
	id := c.IssueID
	if id == "" {
		id = "(extracting)"
	}
	lines := []string{
		dotLeader("Issue", id, panelInnerWidth),
		dotLeader("Elapsed", m.now().Sub(c.Started).Round(time.Second).String(), panelInnerWidth),
		"  " + statusRunningStyle.Render(strings.Join(c.Stages, " > ")),
	}
	return renderPanel("CURRENT RUN", strings.Join(lines, "\n"))
}

func (m Model) renderHistory() string {
	if len(m.finished) == 0 {
		return renderPanel("HISTORY", "  No runs yet")
	}

	now := m.now()
	var lines []string
	for i := len(m.finished) - 1; i >= 0; i-- {
		r := m.finished[i]
		icon, style := outcomeIconStyle(r.Outcome)
		id := r.IssueID
		if id == "" {
			id = "-"
		}
		left := fmt.Sprintf("  %s %-8s %-10s %s", style.Render(icon), truncateVisual(id, 8), r.Outcome, r.Type)
		if !r.Reconciled && r.Outcome != "abandoned" {
			left += warningStyle.Render(" unconfirmed")
		}
		right := strings.TrimSpace(r.Duration + "  " + formatTimeAgo(now, r.At))
		lines = append(lines, formatRow(left, right, panelInnerWidth))
	}
	return renderPanel("HISTORY", strings.Join(lines, "\n"))
}

func (m Model) renderLogs() string {
	if len(m.logs) == 0 {
		return renderPanel("EVENTS", "  No events yet")
	}
	start := max(len(m.logs)-visibleLogLines, 0)
	lines := make([]string, 0, visibleLogLines)
	for _, l := range m.logs[start:] {
		lines = append(lines, "  "+truncateVisual(l, panelInnerWidth-4))
	}
	return renderPanel("EVENTS", strings.Join(lines, "\n"))
}

// formatRow places left and right at either edge of width.
func formatRow(left, right string, width int) string {
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return truncateVisual(left, width)
	}
	return left + strings.Repeat(" ", gap) + right
}

func outcomeIconStyle(outcome string) (string, lipgloss.Style) {
	switch outcome {
	case "completed":
		return "+", statusCompletedStyle
	case "failed":
		return "x", statusFailedStyle
	default:
		return ".", statusPendingStyle
	}
}

func phaseStyle(p scheduler.Phase) lipgloss.Style {
	switch p {
	case scheduler.PhaseProcessing, scheduler.PhaseProbing:
		return statusRunningStyle
	case scheduler.PhaseCooldown:
		return warningStyle
	case scheduler.PhaseStopped:
		return statusFailedStyle
	default:
		return statusPendingStyle
	}
}

// Run starts the TUI and blocks until the user quits or ctx is done.
func Run(ctx context.Context, version string, status StatusProvider, source EventSource) error {
	var sub chan events.Event
	var backlog []events.Event
	if source != nil {
		sub = source.Subscribe()
		defer source.Unsubscribe(sub)
		backlog = source.Recent(maxLogLines)
	}

	p := tea.NewProgram(
		NewModel(version, status, sub, backlog),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
