package digest

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/logging"
)

// Scheduler runs the digest on its cron schedule.
type Scheduler struct {
	source  SummarySource
	config  *Config
	events  events.Publisher
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	last    *Digest
	logger  *slog.Logger
}

// NewScheduler creates a digest scheduler. An invalid timezone falls back to
// UTC with a warning.
func NewScheduler(source SummarySource, config *Config, publisher events.Publisher) *Scheduler {
	logger := logging.WithComponent("digest")
	if config == nil {
		config = DefaultConfig()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		logger.Warn("Invalid timezone, using UTC", slog.String("timezone", config.Timezone), slog.Any("error", err))
		loc = time.UTC
	}

	return &Scheduler{
		source: source,
		config: config,
		events: publisher,
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger,
	}
}

// Start registers the job and starts the cron loop. It is a no-op when the
// digest is disabled or already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.config.Enabled {
		s.logger.Info("Digest disabled")
		return nil
	}

	entryID, err := s.cron.AddFunc(s.config.Schedule, func() {
		if _, err := s.RunNow(ctx); err != nil {
			s.logger.Error("Failed to generate digest", slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}

	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.logger.Info("Digest scheduler started",
		slog.String("schedule", s.config.Schedule),
		slog.String("timezone", s.config.Timezone),
		slog.Time("next_run", s.cron.Entry(s.entryID).Next),
	)
	return nil
}

// Stop stops the cron loop and waits for a running job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// A job in flight takes s.mu to store its digest; wait without holding it.
	<-s.cron.Stop().Done()
	s.logger.Info("Digest scheduler stopped")
}

// NextRun returns the next scheduled run, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the most recently generated digest, or nil.
func (s *Scheduler) Last() *Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunNow generates, logs and publishes a digest immediately.
func (s *Scheduler) RunNow(ctx context.Context) (*Digest, error) {
	d, err := Generate(ctx, s.source, s.config.Window, time.Now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Digest generated",
		slog.Int("total", d.Summary.Total),
		slog.Int("completed", d.Summary.Completed),
		slog.Int("failed", d.Summary.Failed),
		slog.Int("abandoned", d.Summary.Abandoned),
		slog.Int("unreconciled", d.Summary.Unreconciled),
	)
	s.events.Publish(events.Event{
		Kind:    events.KindDigest,
		Message: d.Headline(),
		Data: map[string]string{
			"window":       d.Window.String(),
			"total":        strconv.Itoa(d.Summary.Total),
			"completed":    strconv.Itoa(d.Summary.Completed),
			"failed":       strconv.Itoa(d.Summary.Failed),
			"abandoned":    strconv.Itoa(d.Summary.Abandoned),
			"unreconciled": strconv.Itoa(d.Summary.Unreconciled),
		},
	})

	s.mu.Lock()
	s.last = d
	s.mu.Unlock()
	return d, nil
}
