package apihttp

import (
	"net/http"
	"strings"

	"streamengine/internal/domain"
	"streamengine/internal/usecase"
)

func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	if s.subtitles == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "subtitles not configured")
		return
	}
	query := r.URL.Query()
	req := usecase.SubtitleRequest{
		TitleID:       strings.TrimSpace(query.Get("titleId")),
		ContentID:     strings.TrimSpace(query.Get("contentId")),
		PreferredLang: strings.TrimSpace(query.Get("lang")),
	}
	if req.TitleID == "" && req.ContentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "titleId or contentId is required")
		return
	}
	var err error
	if req.Season, err = parseOptionalIntQuery(query.Get("season"), 0); err != nil || req.Season < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid season")
		return
	}
	if req.Episode, err = parseOptionalIntQuery(query.Get("episode"), 0); err != nil || req.Episode < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid episode")
		return
	}
	fileIndex, err := parseFileIndex(query.Get("fileIdx"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.ContentID != "" && s.sessions != nil {
		fileIndex = s.fileIndexOrSelected(req.ContentID, fileIndex)
	}
	req.FileIndex = fileIndex

	selection, err := s.subtitles.Execute(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if selection.Entries == nil {
		selection.Entries = []domain.SubtitleEntry{}
	}
	writeJSON(w, http.StatusOK, selection)
}

func (s *Server) handleSidecarList(w http.ResponseWriter, r *http.Request) {
	if s.subtitles == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "subtitles not configured")
		return
	}
	entries, err := s.subtitles.Sidecars(strings.TrimSpace(r.PathValue("contentId")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.SubtitleEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSubtitleExtract(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	fileIndex, err := parseFileIndex(query.Get("fileIdx"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	trackIndex, err := parseOptionalIntQuery(query.Get("trackIdx"), -1)
	if err != nil || trackIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid trackIdx")
		return
	}
	s.serveEmbeddedSubtitle(w, r, strings.TrimSpace(r.PathValue("contentId")), fileIndex, trackIndex)
}

func (s *Server) handleSubtitleExternal(w http.ResponseWriter, r *http.Request) {
	if s.subtitles == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "subtitles not configured")
		return
	}
	fileID := strings.TrimSpace(r.PathValue("fileId"))
	if fileID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "fileId is required")
		return
	}
	data, err := s.subtitles.ExternalVTT(r.Context(), fileID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeVTT(w, data)
}

// serveEmbeddedSubtitle holds a session handle while ffmpeg extracts the
// track so the swarm cannot expire underneath it.
func (s *Server) serveEmbeddedSubtitle(w http.ResponseWriter, r *http.Request, contentID string, fileIndex, trackIndex int) {
	if s.subtitles == nil || s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "subtitles not configured")
		return
	}
	handle, err := s.sessions.Acquire(r.Context(), contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer s.sessions.Release(handle)

	data, err := s.subtitles.EmbeddedVTT(r.Context(), contentID, s.fileIndexOrSelected(contentID, fileIndex), trackIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeVTT(w, data)
}

func (s *Server) serveSidecar(w http.ResponseWriter, r *http.Request, contentID string, fileIndex int) {
	if s.subtitles == nil || s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "subtitles not configured")
		return
	}
	if fileIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "fileIdx is required")
		return
	}
	handle, err := s.sessions.Acquire(r.Context(), contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer s.sessions.Release(handle)

	data, err := s.subtitles.SidecarVTT(r.Context(), contentID, fileIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeVTT(w, data)
}
