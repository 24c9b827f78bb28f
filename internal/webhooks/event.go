package webhooks

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xiaogangdengdai/autotask/internal/events"
)

// Event is a webhook payload.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RunData is the payload of run.* events.
type RunData struct {
	RunID      string `json:"run_id"`
	IssueID    string `json:"issue_id,omitempty"`
	IssueType  string `json:"issue_type,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Reconciled bool   `json:"reconciled"`
	Duration   string `json:"duration,omitempty"`
}

// DigestData is the payload of digest.ready events.
type DigestData struct {
	Headline     string `json:"headline"`
	Window       string `json:"window"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Abandoned    int    `json:"abandoned"`
	Unreconciled int    `json:"unreconciled"`
}

// NewEvent creates an Event with a fresh ID and the current time.
func NewEvent(eventType EventType, data any) *Event {
	return &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// FromBusEvent maps an orchestrator event to a webhook event. ok is false for
// kinds that are not delivered (probes, stages, artifacts).
func FromBusEvent(e events.Event) (ev *Event, ok bool) {
	switch e.Kind {
	case events.KindRunStarted:
		return NewEvent(EventRunStarted, RunData{RunID: e.RunID, IssueID: e.IssueID}), true

	case events.KindRunFinished:
		var t EventType
		switch e.Message {
		case "completed":
			t = EventRunCompleted
		case "failed":
			t = EventRunFailed
		case "abandoned":
			t = EventRunAbandoned
		default:
			return nil, false
		}
		reconciled, _ := strconv.ParseBool(e.Data["reconciled"])
		return NewEvent(t, RunData{
			RunID:      e.RunID,
			IssueID:    e.IssueID,
			IssueType:  e.Data["type"],
			Outcome:    e.Message,
			Reason:     e.Data["reason"],
			Reconciled: reconciled,
			Duration:   e.Data["duration"],
		}), true

	case events.KindDigest:
		return NewEvent(EventDigest, DigestData{
			Headline:     e.Message,
			Window:       e.Data["window"],
			Total:        atoi(e.Data["total"]),
			Completed:    atoi(e.Data["completed"]),
			Failed:       atoi(e.Data["failed"]),
			Abandoned:    atoi(e.Data["abandoned"]),
			Unreconciled: atoi(e.Data["unreconciled"]),
		}), true
	}
	return nil, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
