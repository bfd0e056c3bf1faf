package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"streamengine/internal/domain"
	"streamengine/internal/usecase"
)

func (s *Server) handleMagnet(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session manager not configured")
		return
	}
	contentID := strings.TrimSpace(r.PathValue("contentId"))
	query := r.URL.Query()
	fileIndex, err := parseFileIndex(query.Get("fileIdx"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch kind := strings.ToLower(strings.TrimSpace(query.Get("kind"))); kind {
	case "", "video":
	case "subtitle":
		trackIndex, err := parseOptionalIntQuery(query.Get("trackIdx"), -1)
		if err != nil || trackIndex < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid trackIdx")
			return
		}
		s.serveEmbeddedSubtitle(w, r, contentID, fileIndex, trackIndex)
		return
	case "sidecar":
		s.serveSidecar(w, r, contentID, fileIndex)
		return
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid kind")
		return
	}

	mode, err := usecase.ParseTranscodeMode(query.Get("transcode"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	audioIndex, err := parseOptionalIntQuery(query.Get("audioIdx"), -1)
	if err != nil || audioIndex < -1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid audioIdx")
		return
	}

	ctx := r.Context()
	handle, err := s.sessions.Acquire(ctx, contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer s.sessions.Release(handle)

	if _, err := s.sessions.WaitMetadata(ctx, contentID); err != nil {
		writeDomainError(w, err)
		return
	}
	file, err := s.sessions.SelectFile(contentID, s.fileIndexOrSelected(contentID, fileIndex))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if mode != usecase.TranscodeOff && s.transcode != nil {
		if r.Method == http.MethodHead {
			// A HEAD must not consume the automatic attempt.
			_, active := s.transcode.Current(contentID, file.Index)
			if mode == usecase.TranscodeManual || active {
				setTranscodedHeaders(w)
				w.WriteHeader(http.StatusOK)
				return
			}
		} else {
			probe := s.probeForDecision(ctx, contentID, file.Index)
			plan := s.transcode.Decide(contentID, file.Index, probe, mode, audioIndex, file.Path)
			if plan.Transcode {
				s.serveTranscoded(w, r, contentID, file.Index, plan)
				return
			}
		}
	}
	s.serveRange(w, r, contentID, file)
}

// fileIndexOrSelected maps -1 to the file the session currently streams.
func (s *Server) fileIndexOrSelected(contentID string, fileIndex int) int {
	if fileIndex >= 0 {
		return fileIndex
	}
	stats, err := s.sessions.Stats(contentID)
	if err != nil || stats.SelectedFileIndex < 0 {
		return 0
	}
	return stats.SelectedFileIndex
}

// probeForDecision returns what is known about the file's tracks; a failed
// probe yields an empty partial result so only manual mode transcodes.
func (s *Server) probeForDecision(ctx context.Context, contentID string, fileIndex int) domain.ProbeResult {
	if s.probe == nil {
		return domain.ProbeResult{Partial: true}
	}
	probe, err := s.probe.Execute(ctx, contentID, fileIndex)
	if err != nil {
		s.logger.Debug("probe before transcode decision failed",
			slog.String("contentId", contentID),
			slog.Int("fileIndex", fileIndex),
			slog.String("error", err.Error()),
		)
		return domain.ProbeResult{Partial: true}
	}
	return probe
}

func setTranscodedHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "none")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Transcoded", "audio")
}

// headerOnWrite delays the status line until the transcoder produces output,
// so a failure before the first byte can still become an error response.
type headerOnWrite struct {
	w     http.ResponseWriter
	wrote bool
}

func (h *headerOnWrite) Write(p []byte) (int, error) {
	if !h.wrote {
		h.wrote = true
		h.w.WriteHeader(http.StatusOK)
	}
	return h.w.Write(p)
}

func (s *Server) serveTranscoded(w http.ResponseWriter, r *http.Request, contentID string, fileIndex int, plan usecase.TranscodePlan) {
	setTranscodedHeaders(w)
	out := &headerOnWrite{w: w}
	err := s.transcode.Stream(r.Context(), contentID, fileIndex, plan, out)
	if err == nil || r.Context().Err() != nil {
		return
	}
	if out.wrote {
		s.logger.Warn("transcode interrupted",
			slog.String("contentId", contentID),
			slog.Int("fileIndex", fileIndex),
			slog.String("requestId", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, name := range []string{"Accept-Ranges", "Cache-Control", "X-Transcoded"} {
		w.Header().Del(name)
	}
	if !errors.Is(err, domain.ErrTranscodeFailure) && !errors.Is(err, domain.ErrNotFound) {
		err = fmt.Errorf("%w: %v", domain.ErrTranscodeFailure, err)
	}
	writeDomainError(w, err)
}

func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, contentID string, file domain.FileRef) {
	ext := strings.ToLower(path.Ext(file.Path))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	// Close the connection after streaming to prevent keep-alive from holding
	// the reader open after the player stops playback.
	w.Header().Set("Connection", "close")

	size := file.Length
	if r.Method == http.MethodHead || size <= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(max(size, 0), 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	start, end := int64(0), size-1
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		var err error
		start, end, err = parseByteRange(rangeHeader, size)
		if errors.Is(err, errInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
	}
	length := end - start + 1

	reader, err := s.sessions.ReadRange(r.Context(), contentID, file.Index, start, length)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer reader.Close()

	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	// net/http closes the connection when the body falls short of
	// Content-Length.
	if _, err := io.CopyN(w, reader, length); err != nil {
		attrs := []any{
			slog.String("contentId", contentID),
			slog.Int("fileIndex", file.Index),
			slog.Int64("offset", start),
			slog.String("requestId", requestID(r.Context())),
			slog.String("error", err.Error()),
		}
		if errors.Is(err, domain.ErrStalled) {
			s.logger.Warn("stream stalled, closing connection", attrs...)
			return
		}
		s.logger.Debug("stream copy interrupted", attrs...)
	}
}

type previewResponse struct {
	ContentID         string              `json:"contentId"`
	Files             []domain.FileRef    `json:"files"`
	SelectedFileIndex int                 `json:"selectedFileIndex"`
	Stats             domain.SessionStats `json:"stats"`
}

// handlePreview warms a session: it joins the swarm, waits for metadata,
// selects the file and starts the track probe in the background.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session manager not configured")
		return
	}
	contentID := strings.TrimSpace(r.PathValue("contentId"))
	fileIndex, err := parseFileIndex(r.URL.Query().Get("fileIdx"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx := r.Context()
	handle, err := s.sessions.Acquire(ctx, contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The idle grace period keeps the swarm warm until the player attaches.
	defer s.sessions.Release(handle)

	files, err := s.sessions.WaitMetadata(ctx, contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	file, err := s.sessions.SelectFile(contentID, s.fileIndexOrSelected(contentID, fileIndex))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.probe != nil {
		probeCtx := context.WithoutCancel(ctx)
		go func() {
			if _, err := s.probe.Execute(probeCtx, contentID, file.Index); err != nil {
				s.logger.Debug("background probe failed",
					slog.String("contentId", contentID),
					slog.Int("fileIndex", file.Index),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	stats, err := s.sessions.Stats(contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		ContentID:         contentID,
		Files:             files,
		SelectedFileIndex: file.Index,
		Stats:             stats,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session manager not configured")
		return
	}
	contentID := strings.TrimSpace(r.URL.Query().Get("contentId"))
	if contentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "contentId is required")
		return
	}
	stats, err := s.sessions.Stats(contentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if s.probe == nil || s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "track probe not configured")
		return
	}
	contentID := strings.TrimSpace(r.PathValue("contentId"))
	fileIndex, err := parseFileIndex(r.URL.Query().Get("fileIdx"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	result, err := s.probe.Execute(r.Context(), contentID, s.fileIndexOrSelected(contentID, fileIndex))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cleanupRequest struct {
	ContentID string `json:"contentId"`
}

// handleCleanup releases a session on navigation. Beacons may send the bare
// content id as text.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session manager not configured")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	var body cleanupRequest
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
			return
		}
	} else {
		body.ContentID = raw
	}
	contentID := strings.TrimSpace(body.ContentID)
	if contentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "contentId is required")
		return
	}
	removed := s.sessions.Cleanup(contentID)
	s.logger.Debug("cleanup requested",
		slog.String("contentId", contentID),
		slog.Bool("tornDown", removed),
	)
	w.WriteHeader(http.StatusNoContent)
}

type transcodeRestoreRequest struct {
	ContentID string `json:"contentId"`
	FileIdx   int    `json:"fileIdx"`
}

func (s *Server) handleTranscodeRestore(w http.ResponseWriter, r *http.Request) {
	if s.transcode == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "transcoder not configured")
		return
	}
	var body transcodeRestoreRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if strings.TrimSpace(body.ContentID) == "" || body.FileIdx < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "contentId and fileIdx are required")
		return
	}
	s.transcode.Restore(strings.TrimSpace(body.ContentID), body.FileIdx)
	w.WriteHeader(http.StatusNoContent)
}
