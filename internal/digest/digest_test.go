package digest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/history"
	"github.com/xiaogangdengdai/autotask/internal/issue"
	"github.com/xiaogangdengdai/autotask/internal/pipeline"
)

type staticSource struct {
	summary history.Summary
	err     error
	since   time.Time
}

func (s *staticSource) Summary(_ context.Context, since time.Time) (history.Summary, error) {
	s.since = since
	sum := s.summary
	sum.Since = since
	return sum, s.err
}

func TestGenerate(t *testing.T) {
	src := &staticSource{summary: history.Summary{Total: 4, Completed: 2, Failed: 1, Abandoned: 1, Unreconciled: 1}}
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	d, err := Generate(context.Background(), src, 0, now)
	require.NoError(t, err)
	assert.True(t, src.since.Equal(now.Add(-24*time.Hour)), "since = %v, want 24h before now", src.since)
	assert.Equal(t, 24*time.Hour, d.Window)
	assert.Equal(t, "4 runs in the last 24h: 2 completed, 1 failed, 1 abandoned, 1 unreconciled", d.Headline())

	text := d.Format()
	for _, s := range []string{"AUTOTASK DIGEST", "Runs:          4", "Success rate:  50%", "not confirmed"} {
		assert.Contains(t, text, s)
	}
}

func TestGenerateError(t *testing.T) {
	src := &staticSource{err: errors.New("db closed")}
	_, err := Generate(context.Background(), src, time.Hour, time.Now())
	assert.Error(t, err)
}

func TestFormatEmpty(t *testing.T) {
	d := &Digest{GeneratedAt: time.Now(), Window: 7 * 24 * time.Hour}
	text := d.Format()
	assert.NotContains(t, text, "Success rate", "no success rate without runs")
	assert.Contains(t, text, "last 7d")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", *DefaultConfig(), false},
		{"utc", Config{Schedule: "*/5 * * * *", Timezone: "UTC"}, false},
		{"named zone", Config{Schedule: "0 9 * * 1-5", Timezone: "Asia/Shanghai"}, false},
		{"bad schedule", Config{Schedule: "every day", Timezone: "UTC"}, true},
		{"bad timezone", Config{Schedule: "0 9 * * *", Timezone: "Mars/Olympus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedulerDisabled(t *testing.T) {
	s := NewScheduler(&staticSource{}, DefaultConfig(), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning(), "disabled digest should not run")
	assert.True(t, s.NextRun().IsZero(), "NextRun should be zero when not running")
	s.Stop()
}

func TestSchedulerStartStop(t *testing.T) {
	cfg := &Config{Enabled: true, Schedule: "0 9 * * *", Timezone: "Invalid/Zone"}
	s := NewScheduler(&staticSource{}, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsRunning())
	assert.False(t, s.NextRun().IsZero(), "NextRun should be set")
	assert.Equal(t, time.UTC, s.NextRun().Location(), "invalid timezone should fall back to UTC")

	// Starting twice is a no-op.
	assert.NoError(t, s.Start(context.Background()))

	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(&staticSource{}, &Config{Enabled: true, Schedule: "not cron", Timezone: "UTC"}, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestRunNowAgainstHistory(t *testing.T) {
	store, err := history.Open(history.DriverModernc, ":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	now := time.Now()
	for i, outcome := range []pipeline.Outcome{pipeline.OutcomeCompleted, pipeline.OutcomeFailed} {
		run := &pipeline.Run{
			ID:         string(rune('a' + i)),
			Record:     issue.Record{ID: "1", Type: issue.TypeBugFix},
			Outcome:    outcome,
			Reconciled: true,
			StartedAt:  now.Add(-time.Minute),
			FinishedAt: now.Add(-time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Record(context.Background(), run))
	}

	bus := events.NewBus(10)
	s := NewScheduler(store, DefaultConfig(), bus)
	d, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, d.Summary.Total)
	assert.Equal(t, 1, d.Summary.Completed)
	assert.Equal(t, 1, d.Summary.Failed)
	assert.Same(t, d, s.Last(), "Last() should return the generated digest")

	evts := bus.Recent(0)
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindDigest, evts[0].Kind)
	assert.True(t, strings.HasPrefix(evts[0].Message, "2 runs"), "event message = %q", evts[0].Message)
}
