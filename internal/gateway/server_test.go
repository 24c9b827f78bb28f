package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaogangdengdai/autotask/internal/digest"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/history"
	"github.com/xiaogangdengdai/autotask/internal/scheduler"
	"github.com/xiaogangdengdai/autotask/internal/testutil"
)

type staticStatus scheduler.Status

func (s staticStatus) Status() scheduler.Status { return scheduler.Status(s) }

type staticRuns struct {
	entries []history.Entry
	err     error
	limit   int
}

func (r *staticRuns) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	r.limit = limit
	if len(r.entries) > limit {
		return r.entries[:limit], r.err
	}
	return r.entries, r.err
}

func localRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:5555"
	return req
}

func TestHealth(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/health"))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	st := staticStatus{Phase: scheduler.PhaseSleeping, Processed: 3, Completed: 2, Failed: 1}
	s := NewServer(nil, WithStatusProvider(st), WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/status"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1.2.3", resp.Version)
	require.NotNil(t, resp.Scheduler)
	assert.Equal(t, scheduler.PhaseSleeping, resp.Scheduler.Phase)
	assert.Equal(t, 3, resp.Scheduler.Processed)
}

type staticDigest struct {
	next time.Time
	last *digest.Digest
}

func (d staticDigest) NextRun() time.Time   { return d.next }
func (d staticDigest) Last() *digest.Digest { return d.last }

func TestStatusIncludesDigest(t *testing.T) {
	next := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	last := &digest.Digest{
		GeneratedAt: next.Add(-24 * time.Hour),
		Window:      24 * time.Hour,
		Summary:     history.Summary{Total: 4, Completed: 3, Failed: 1},
	}

	tests := []struct {
		name         string
		source       staticDigest
		wantNext     bool
		wantHeadline string
	}{
		{"not started", staticDigest{}, false, ""},
		{"scheduled", staticDigest{next: next}, true, ""},
		{"after a run", staticDigest{next: next, last: last}, true, last.Headline()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, WithDigest(tt.source))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/status"))

			var resp statusResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.NotNil(t, resp.Digest, "digest block missing")

			if tt.wantNext {
				require.NotNil(t, resp.Digest.NextRun)
				assert.True(t, resp.Digest.NextRun.Equal(next), "NextRun = %v", resp.Digest.NextRun)
			} else {
				assert.Nil(t, resp.Digest.NextRun)
			}
			assert.Equal(t, tt.wantHeadline, resp.Digest.Headline)
			if tt.source.last != nil {
				require.NotNil(t, resp.Digest.LastSummary)
				assert.Equal(t, 4, resp.Digest.LastSummary.Total)
			}
		})
	}
}

func TestStatusOmitsDigestWhenDisabled(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/status"))
	assert.NotContains(t, rec.Body.String(), `"digest"`)
}

func TestStatusRejectsRemoteWithLocalAuth(t *testing.T) {
	s := NewServer(nil, WithStatusProvider(staticStatus{}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "198.51.100.7:4000"

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusWithAPIToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth = &AuthConfig{Type: AuthTypeAPIToken, Token: testutil.FakeBearerToken}
	s := NewServer(cfg, WithStatusProvider(staticStatus{}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("Authorization", "Bearer "+testutil.FakeBearerToken)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunsFromHistory(t *testing.T) {
	runs := &staticRuns{entries: []history.Entry{
		{RunID: "b", IssueID: "2", Outcome: "failed"},
		{RunID: "a", IssueID: "1", Outcome: "completed"},
	}}
	s := NewServer(nil, WithRunLister(runs), WithEventSource(events.NewBus(10)))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/runs?limit=1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runs.limit)

	var resp struct {
		Source string          `json:"source"`
		Runs   []history.Entry `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "history", resp.Source)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "b", resp.Runs[0].RunID)
}

func TestRunsLimitClampedAndValidated(t *testing.T) {
	runs := &staticRuns{}
	s := NewServer(nil, WithRunLister(runs))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/runs?limit=5000"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRunsLimit, runs.limit)
	assert.Contains(t, rec.Body.String(), `"runs":[]`, "empty history should encode as []")

	for _, bad := range []string{"0", "-3", "ten"} {
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/runs?limit="+bad))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", bad)
	}
}

func TestRunsHistoryError(t *testing.T) {
	s := NewServer(nil, WithRunLister(&staticRuns{err: errors.New("database is locked")}))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/runs"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunsFromEvents(t *testing.T) {
	bus := events.NewBus(10)
	bus.Publish(events.Event{Kind: events.KindRunFinished, RunID: "r1", Message: "completed"})
	bus.Publish(events.Event{Kind: events.KindProbe, Message: "no pending issues"})
	bus.Publish(events.Event{Kind: events.KindRunFinished, RunID: "r2", Message: "failed"})

	s := NewServer(nil, WithEventSource(bus))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/runs"))

	var resp struct {
		Source string         `json:"source"`
		Runs   []events.Event `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "events", resp.Source)
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "r2", resp.Runs[0].RunID, "newest first")
}

func TestRunsUnavailable(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/api/v1/runs"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckLocalOrigin(t *testing.T) {
	tests := map[string]bool{
		"":                      true,
		"http://localhost:3000": true,
		"http://127.0.0.1:9191": true,
		"https://localhost":     true,
		"https://evil.example":  false,
		"http://192.168.1.5:80": false,
		"http://localhost.evil": false,
		"http://[::1]:8080":     true,
	}
	for origin, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, checkLocalOrigin(req), "origin %q", origin)
	}
}

func TestEventsWebSocket(t *testing.T) {
	bus := events.NewBus(100)
	bus.Publish(events.Event{Kind: events.KindProbe, Message: "pending issue found"})

	s := NewServer(nil, WithEventSource(bus))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var backlog []events.Event
	require.NoError(t, conn.ReadJSON(&backlog))
	require.Len(t, backlog, 1)
	require.Equal(t, events.KindProbe, backlog[0].Kind)

	bus.Publish(events.Event{Kind: events.KindRunStarted, RunID: "run-1"})

	var live events.Event
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, events.KindRunStarted, live.Kind)
	assert.Equal(t, "run-1", live.RunID)
}

func TestEventsWebSocketUnavailable(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/ws"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	s := NewServer(cfg)

	require.NoError(t, s.Listen())
	assert.Error(t, s.Listen(), "second Listen() should fail")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + s.Addr() + "/health")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond, "GET /health never succeeded")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListenBindFailure(t *testing.T) {
	first := NewServer(&Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, first.Listen())
	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	assert.Error(t, NewServer(&Config{Host: "127.0.0.1", Port: port}).Listen(), "binding an occupied port should fail")

	assert.NoError(t, first.Shutdown(), "Shutdown() of an unserved listener")
	assert.Empty(t, first.Addr(), "listener should be released")
}
