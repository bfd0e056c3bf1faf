package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"streamengine/internal/domain"
	"streamengine/internal/subtitle"
	"streamengine/internal/usecase"
)

const maxJSONBody = 16 << 10

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDomainError maps sentinel errors of every layer to a status code.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNoSourcesFound):
		writeError(w, http.StatusNotFound, "no_sources", domain.ErrNoSourcesFound.Error())
	case errors.Is(err, domain.ErrSwarmConnectTimeout):
		writeError(w, http.StatusGatewayTimeout, "swarm_timeout", "no peers delivered metadata in time")
	case errors.Is(err, domain.ErrTranscodeFailure):
		writeError(w, http.StatusBadGateway, "transcode_failed", "audio transcode failed")
	case errors.Is(err, domain.ErrSessionLimitReached):
		writeError(w, http.StatusServiceUnavailable, "session_limit", "too many active sessions")
	case errors.Is(err, domain.ErrInvalidFileIndex):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIdx")
	case errors.Is(err, domain.ErrInvalidContentID):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid contentId")
	case errors.Is(err, domain.ErrInvalidReason):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid failure reason")
	case errors.Is(err, usecase.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrUnsupported), errors.Is(err, subtitle.ErrUnsupportedFormat):
		writeError(w, http.StatusUnprocessableEntity, "unsupported", err.Error())
	case errors.Is(err, domain.ErrStalled):
		writeError(w, http.StatusGatewayTimeout, "stalled", "stream stalled")
	case errors.Is(err, usecase.ErrRepository):
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
	case errors.Is(err, usecase.ErrEngine):
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeVTT(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decodeJSONBody reads a small JSON body. navigator.sendBeacon posts JSON as
// text/plain, so the content type is not checked.
func decodeJSONBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		return err
	}
	if len(data) > maxJSONBody {
		return errors.New("body too large")
	}
	if strings.TrimSpace(string(data)) == "" {
		return errors.New("empty body")
	}
	return json.Unmarshal(data, dst)
}

// parseOptionalIntQuery returns defaultValue for an empty value.
func parseOptionalIntQuery(value string, defaultValue int) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

// parseFileIndex parses fileIdx; -1 means the session's selected file.
func parseFileIndex(value string) (int, error) {
	idx, err := parseOptionalIntQuery(value, -1)
	if err != nil || idx < -1 {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidFileIndex, value)
	}
	return idx, nil
}

func parsePlaybackKey(r *http.Request) (domain.PlaybackKey, error) {
	titleID := strings.TrimSpace(r.PathValue("titleId"))
	if titleID == "" {
		return domain.PlaybackKey{}, errors.New("titleId is required")
	}
	season, err := parseOptionalIntQuery(r.URL.Query().Get("season"), 0)
	if err != nil || season < 0 {
		return domain.PlaybackKey{}, errors.New("invalid season")
	}
	episode, err := parseOptionalIntQuery(r.URL.Query().Get("episode"), 0)
	if err != nil || episode < 0 {
		return domain.PlaybackKey{}, errors.New("invalid episode")
	}
	return domain.PlaybackKey{TitleID: titleID, Season: season, Episode: episode}, nil
}

// parseTitleQuery builds the resolve query of /resolve and /ws/resolve. The
// type parameter names the media type; episodes imply a series.
func parseTitleQuery(r *http.Request) (domain.TitleQuery, error) {
	key, err := parsePlaybackKey(r)
	if err != nil {
		return domain.TitleQuery{}, err
	}
	q := key.Query()
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type"))) {
	case "":
	case "movie":
		if !q.IsEpisode() {
			q.MediaType = domain.MediaMovie
		}
	case "series", "tv", "show":
		q.MediaType = domain.MediaSeries
	default:
		return domain.TitleQuery{}, errors.New("invalid type")
	}
	return q, nil
}

// filterSourceType keeps sources of the requested type. "direct" matches both
// direct kinds.
func filterSourceType(sources []domain.StreamSource, raw string) ([]domain.StreamSource, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return sources, nil
	}
	var match func(domain.SourceType) bool
	switch raw {
	case "direct":
		match = domain.SourceType.IsDirect
	case string(domain.SourceDirectHTTP), string(domain.SourceDirectHLS), string(domain.SourceP2P):
		match = func(t domain.SourceType) bool { return string(t) == raw }
	default:
		return nil, fmt.Errorf("unknown source type %q", raw)
	}
	out := make([]domain.StreamSource, 0, len(sources))
	for _, src := range sources {
		if match(src.Type) {
			out = append(out, src)
		}
	}
	return out, nil
}

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	startStr, endStr, _ := strings.Cut(spec, "-")
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}
	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}
	if endStr == "" {
		return start, size - 1, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".ts":
		return "video/mp2t"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
