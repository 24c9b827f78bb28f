package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaogangdengdai/autotask/internal/events"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
	// wsInitialEventCount is the number of buffered events sent on connect.
	wsInitialEventCount = 50
)

// handleEventsWebSocket upgrades the connection and streams pipeline events.
// On connect it sends the most recent events as one JSON array, then pushes
// each new event as its own JSON object.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Events WS upgrade error", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	s.logger.Info("Events WebSocket connected", slog.String("remote", r.RemoteAddr))

	// Subscribe before reading the backlog so nothing falls in between.
	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	if err := sendInitialEvents(conn, s.events.Recent(wsInitialEventCount)); err != nil {
		s.logger.Warn("Events WS initial send failed", slog.Any("error", err))
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.logger.Warn("Events WS read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("Events WS write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func sendInitialEvents(conn *websocket.Conn, backlog []events.Event) error {
	if backlog == nil {
		backlog = []events.Event{}
	}
	msg, err := json.Marshal(backlog)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
