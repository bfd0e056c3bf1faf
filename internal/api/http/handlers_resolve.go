package apihttp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"streamengine/internal/domain"
	"streamengine/internal/metrics"
)

const sseHeartbeat = 15 * time.Second

type eventMessage struct {
	Message string `json:"message"`
}

// eventPayload is the data of one resolve event on the wire: the ranked
// result for resolved events, a message otherwise.
func eventPayload(ev domain.ResolveEvent) any {
	if ev.Kind == domain.EventResolved && ev.Result != nil {
		return ev.Result
	}
	return eventMessage{Message: ev.Message}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver not configured")
		return
	}
	q, err := parseTitleQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	metrics.ResolveSubscribers.WithLabelValues("sse").Inc()
	defer metrics.ResolveSubscribers.WithLabelValues("sse").Dec()

	ctx := r.Context()
	events := s.resolver.Resolve(ctx, q)
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse write failed",
					slog.String("titleId", q.TitleID),
					slog.String("error", err.Error()),
				)
				return
			}
			_ = rc.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.ResolveEvent) error {
	data, err := json.Marshal(eventPayload(ev))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

type sourcesResponse struct {
	Sources         []domain.StreamSource `json:"sources"`
	PrimarySourceID string                `json:"primarySourceId"`
	Mode            domain.PlaybackMode   `json:"mode"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver not configured")
		return
	}
	key, err := parsePlaybackKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.resolver.Sources(r.Context(), key.Query())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	filtered, err := filterSourceType(result.Sources, r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sourcesResponse{
		Sources:         filtered,
		PrimarySourceID: result.PrimarySourceID,
		Mode:            result.Mode,
	})
}
