package apihttp

import (
	"net/http"
	"strings"

	"streamengine/internal/domain"
	"streamengine/internal/usecase"
)

type fallbackRequest struct {
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
	SourceID string `json:"sourceId"`
	Reason   string `json:"reason,omitempty"`
}

func (req fallbackRequest) key(r *http.Request) domain.PlaybackKey {
	return domain.PlaybackKey{
		TitleID: strings.TrimSpace(r.PathValue("titleId")),
		Season:  req.Season,
		Episode: req.Episode,
	}
}

func (s *Server) decodeFallback(w http.ResponseWriter, r *http.Request) (fallbackRequest, bool) {
	if s.fallback == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "fallback not configured")
		return fallbackRequest{}, false
	}
	var req fallbackRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return fallbackRequest{}, false
	}
	if req.Season < 0 || req.Episode < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid season or episode")
		return fallbackRequest{}, false
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	return req, true
}

// handleFallback answers a playback failure with the next source to try. A
// fatal decision is a normal 200 response; the player offers manual choice.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFallback(w, r)
	if !ok {
		return
	}
	decision, err := s.fallback.ReportFailure(r.Context(), usecase.FailureReport{
		Key:      req.key(r),
		SourceID: req.SourceID,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleFallbackPlaying(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFallback(w, r)
	if !ok {
		return
	}
	if err := s.fallback.ReportPlaying(r.Context(), req.key(r), req.SourceID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFallbackAudio(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFallback(w, r)
	if !ok {
		return
	}
	decision, err := s.fallback.ResolveAudio(r.Context(), req.key(r), req.SourceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
