package apihttp

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"streamengine/internal/domain"
)

const maxPlaylistBytes = 4 << 20

// Headers copied back from a direct origin.
var proxiedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Last-Modified",
	"ETag",
}

// Client headers forwarded to the origin in addition to the source's own.
var forwardedRequestHeaders = []string{"Range", "If-Range"}

var playlistURIAttr = regexp.MustCompile(`URI="[^"]*"`)

// handleWatch proxies the active direct source of a title so the player never
// talks to the origin itself. HLS playlists are rewritten so every variant,
// segment and key is fetched through handleWatchSegment.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	key, src, ok := s.watchSource(w, r)
	if !ok {
		return
	}
	s.proxyDirect(w, r, key, src, src.URL)
}

// handleWatchSegment serves a URI taken from a playlist handleWatch rewrote.
// Only signed URIs are fetched.
func (s *Server) handleWatchSegment(w http.ResponseWriter, r *http.Request) {
	key, src, ok := s.watchSource(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	target := query.Get("u")
	if target == "" || !s.validSegmentSignature(src.ID, target, query.Get("sig")) {
		writeError(w, http.StatusForbidden, "forbidden", "segment url is not signed for this source")
		return
	}
	s.proxyDirect(w, r, key, src, target)
}

func (s *Server) watchSource(w http.ResponseWriter, r *http.Request) (domain.PlaybackKey, domain.StreamSource, bool) {
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver not configured")
		return domain.PlaybackKey{}, domain.StreamSource{}, false
	}
	key, err := parsePlaybackKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return domain.PlaybackKey{}, domain.StreamSource{}, false
	}
	src, err := s.lookupSource(r, key, strings.TrimSpace(r.URL.Query().Get("sourceId")))
	if err != nil {
		writeDomainError(w, err)
		return domain.PlaybackKey{}, domain.StreamSource{}, false
	}
	if !src.Type.IsDirect() || src.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is not a direct stream")
		return domain.PlaybackKey{}, domain.StreamSource{}, false
	}
	return key, src, true
}

func (s *Server) proxyDirect(w http.ResponseWriter, r *http.Request, key domain.PlaybackKey, src domain.StreamSource, target string) {
	method := http.MethodGet
	if r.Method == http.MethodHead {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(r.Context(), method, target, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "invalid upstream url")
		return
	}
	for name, value := range src.Headers {
		req.Header.Set(name, value)
	}
	// Playlists are rewritten whole, so a byte range of one is meaningless.
	if !looksLikePlaylist(target) {
		for _, name := range forwardedRequestHeaders {
			if value := r.Header.Get(name); value != "" {
				req.Header.Set(name, value)
			}
		}
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Warn("watch upstream failed",
				slog.String("sourceId", src.ID),
				slog.String("provider", src.Provider),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusPartialContent,
		resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
	default:
		s.logger.Warn("watch upstream status",
			slog.String("sourceId", src.ID),
			slog.Int("status", resp.StatusCode),
		)
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("upstream returned %d", resp.StatusCode))
		return
	}

	if resp.StatusCode == http.StatusOK && isPlaylistResponse(resp, target) {
		s.servePlaylist(w, r, key, src, resp)
		return
	}

	for _, name := range proxiedResponseHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil && r.Context().Err() == nil {
		s.logger.Debug("watch copy interrupted",
			slog.String("sourceId", src.ID),
			slog.String("requestId", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request, key domain.PlaybackKey, src domain.StreamSource, resp *http.Response) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes+1))
	if err != nil || len(body) > maxPlaylistBytes {
		w.Header().Del("Cache-Control")
		writeError(w, http.StatusBadGateway, "upstream_error", "unreadable playlist")
		return
	}
	base := resp.Request.URL
	rewritten := s.rewritePlaylist(body, base, key, src.ID)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rewritten)
}

// rewritePlaylist points every URI line and URI="..." attribute of an m3u8
// playlist at the signed segment route. Relative URIs resolve against base.
func (s *Server) rewritePlaylist(body []byte, base *url.URL, key domain.PlaybackKey, sourceID string) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxPlaylistBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
			line = playlistURIAttr.ReplaceAllStringFunc(line, func(attr string) string {
				raw := attr[len(`URI="`) : len(attr)-1]
				return `URI="` + s.segmentURL(key, sourceID, base, raw) + `"`
			})
		default:
			line = s.segmentURL(key, sourceID, base, trimmed)
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// segmentURL maps a playlist URI onto the proxy. Non-HTTP URIs such as
// data: keys are left alone.
func (s *Server) segmentURL(key domain.PlaybackKey, sourceID string, base *url.URL, raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw
	}
	target := abs.String()

	query := url.Values{}
	if key.Season > 0 {
		query.Set("season", strconv.Itoa(key.Season))
	}
	if key.Episode > 0 {
		query.Set("episode", strconv.Itoa(key.Episode))
	}
	query.Set("sourceId", sourceID)
	query.Set("u", target)
	query.Set("sig", s.signSegment(sourceID, target))
	return "/watch/" + url.PathEscape(key.TitleID) + "/segment?" + query.Encode()
}

func (s *Server) signSegment(sourceID, target string) string {
	mac := hmac.New(sha256.New, s.segmentKey)
	mac.Write([]byte(sourceID))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) validSegmentSignature(sourceID, target, sig string) bool {
	want := s.signSegment(sourceID, target)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(sig)))
}

func looksLikePlaylist(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

func isPlaylistResponse(resp *http.Response, target string) bool {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "mpegurl") {
		return true
	}
	return looksLikePlaylist(target)
}

// lookupSource finds sourceID (the primary when empty) in the last ranked
// result of key, resolving again when the cache has expired.
func (s *Server) lookupSource(r *http.Request, key domain.PlaybackKey, sourceID string) (domain.StreamSource, error) {
	result, ok := s.resolver.LastResult(r.Context(), key)
	if !ok {
		var err error
		result, err = s.resolver.Sources(r.Context(), key.Query())
		if err != nil {
			return domain.StreamSource{}, err
		}
	}
	if sourceID == "" {
		sourceID = result.PrimarySourceID
	}
	src, found := result.Source(sourceID)
	if !found {
		return domain.StreamSource{}, fmt.Errorf("%w: source %q", domain.ErrNotFound, sourceID)
	}
	return src, nil
}
