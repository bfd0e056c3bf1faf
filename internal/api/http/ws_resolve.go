package apihttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamengine/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

type wsMessage struct {
	Type string      `json:"type"`
	ID   string      `json:"id"`
	Data interface{} `json:"data"`
}

func (s *Server) wsUpgrader() *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(s.allowedOrigins))
	for _, origin := range s.allowedOrigins {
		if origin = trimOrigin(origin); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowed, origin)
		},
	}
}

// handleResolveWS streams the events of one resolve over a websocket and
// closes it after the terminal event.
func (s *Server) handleResolveWS(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver not configured")
		return
	}
	q, err := parseTitleQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	conn, err := s.wsUpgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	logger := s.logger.With(slog.String("subscription", subID), slog.String("titleId", q.TitleID))
	logger.Debug("ws resolve subscribed")

	metrics.ResolveSubscribers.WithLabelValues("ws").Inc()
	defer metrics.ResolveSubscribers.WithLabelValues("ws").Dec()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go readUntilClosed(conn, cancel)

	events := s.resolver.Resolve(ctx, q)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("ws resolve client gone")
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				closeWS(conn, websocket.CloseNormalClosure, "")
				return
			}
			payload, err := json.Marshal(wsMessage{Type: string(ev.Kind), ID: subID, Data: eventPayload(ev)})
			if err != nil {
				logger.Error("ws marshal failed", slog.String("error", err.Error()))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("ws write failed", slog.String("error", err.Error()))
				return
			}
			if ev.Terminal() {
				closeWS(conn, websocket.CloseNormalClosure, string(ev.Kind))
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed; cancel fires when the client goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeWS(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(2*time.Second),
	)
}
