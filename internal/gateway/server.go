// Package gateway exposes the orchestrator's state over HTTP: health, the
// scheduler snapshot, recent runs, Prometheus metrics and a WebSocket stream
// of pipeline events. It is read-only; nothing here drives the agent.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaogangdengdai/autotask/internal/digest"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/history"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/scheduler"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Enabled starts the gateway alongside the scheduler.
	Enabled bool `yaml:"enabled"`
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host" validate:"required_if=Enabled true"`
	// Port is the TCP port number to listen on. Zero picks a free port.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
	// Auth protects the /api/v1 endpoints. Nil means local requests only.
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// DefaultConfig returns the gateway defaults. The gateway is off unless enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Host:    "127.0.0.1",
		Port:    9191,
	}
}

// StatusProvider returns the scheduler snapshot.
type StatusProvider interface {
	Status() scheduler.Status
}

// RunLister returns recorded runs, newest first.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// EventSource is the subscription side of events.Bus.
type EventSource interface {
	Recent(n int) []events.Event
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// DigestSource reports the digest schedule and its latest result.
type DigestSource interface {
	NextRun() time.Time
	Last() *digest.Digest
}

// Server serves the gateway endpoints. Server is safe for concurrent use.
type Server struct {
	config   *Config
	version  string
	started  time.Time
	status   StatusProvider
	runs     RunLister
	events   EventSource
	digest   DigestSource
	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server
	mu       sync.RWMutex
	running  bool
	logger   *slog.Logger
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithStatusProvider sets the source of /api/v1/status.
func WithStatusProvider(p StatusProvider) ServerOption {
	return func(s *Server) {
		s.status = p
	}
}

// WithRunLister sets the history source of /api/v1/runs.
func WithRunLister(l RunLister) ServerOption {
	return func(s *Server) {
		s.runs = l
	}
}

// WithEventSource sets the event stream for /ws and the fallback for
// /api/v1/runs when no history is kept.
func WithEventSource(src EventSource) ServerOption {
	return func(s *Server) {
		s.events = src
	}
}

// WithDigest adds the digest schedule to /api/v1/status.
func WithDigest(d DigestSource) ServerOption {
	return func(s *Server) {
		s.digest = d
	}
}

// WithVersion sets the version reported by /api/v1/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a gateway server. It does not listen until Listen is
// called.
func NewServer(config *Config, opts ...ServerOption) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		config:  config,
		version: "dev",
		started: time.Now(),
		logger:  logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkLocalOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkLocalOrigin accepts requests without an Origin header (CLI tools) and
// browser pages served from a loopback host. External sites cannot connect.
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleEventsWebSocket)

	auth := NewAuthenticator(s.config.Auth)
	mux.Handle("/api/v1/status", auth.Middleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/api/v1/runs", auth.Middleware(http.HandlerFunc(s.handleRuns)))

	return mux
}

// Listen binds the configured address. Bind failures are startup errors.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("gateway already listening")
	}
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind gateway on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve serves on the bound listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return errors.New("gateway not listening")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	s.logger.Info("Gateway starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 10-second timeout. A
// listener that was bound but never served is closed.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		if s.listener == nil {
			return nil
		}
		err := s.listener.Close()
		s.listener = nil
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.running = false
	s.listener = nil
	s.logger.Info("Gateway stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"status": "healthy",
	})
}

type statusResponse struct {
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
	Digest    *digestStatus     `json:"digest,omitempty"`
}

type digestStatus struct {
	NextRun     *time.Time       `json:"next_run,omitempty"`
	LastAt      *time.Time       `json:"last_generated_at,omitempty"`
	Headline    string           `json:"headline,omitempty"`
	LastSummary *history.Summary `json:"last_summary,omitempty"`
}

func (s *Server) digestStatus() *digestStatus {
	ds := &digestStatus{}
	if next := s.digest.NextRun(); !next.IsZero() {
		ds.NextRun = &next
	}
	if last := s.digest.Last(); last != nil {
		at, summary := last.GeneratedAt, last.Summary
		ds.LastAt = &at
		ds.Headline = last.Headline()
		ds.LastSummary = &summary
	}
	return ds
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.status != nil {
		st := s.status.Status()
		resp.Scheduler = &st
	}
	if s.digest != nil {
		resp.Digest = s.digestStatus()
	}
	writeJSON(w, resp)
}

type runsResponse struct {
	Source string `json:"source"`
	Runs   any    `json:"runs"`
}

// handleRuns lists recent runs from the history ledger, or the recent
// run_finished events when the ledger is disabled.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	switch {
	case s.runs != nil:
		entries, err := s.runs.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Warn("Failed to list runs", slog.Any("error", err))
			http.Error(w, "failed to list runs", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		writeJSON(w, runsResponse{Source: "history", Runs: entries})
	case s.events != nil:
		finished := []events.Event{}
		all := s.events.Recent(0)
		for i := len(all) - 1; i >= 0 && len(finished) < limit; i-- {
			if all[i].Kind == events.KindRunFinished {
				finished = append(finished, all[i])
			}
		}
		writeJSON(w, runsResponse{Source: "events", Runs: finished})
	default:
		http.Error(w, "run history not available", http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
