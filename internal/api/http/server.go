package apihttp

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/resolve"
	"streamengine/internal/usecase"
)

type Resolver interface {
	Resolve(ctx context.Context, q domain.TitleQuery) <-chan domain.ResolveEvent
	Sources(ctx context.Context, q domain.TitleQuery) (domain.ResolveResult, error)
	LastResult(ctx context.Context, key domain.PlaybackKey) (domain.ResolveResult, bool)
}

type ProviderHealth interface {
	ProviderDiagnostics() []resolve.ProviderDiagnostics
}

type TrackProbe interface {
	Execute(ctx context.Context, contentID string, fileIndex int) (domain.ProbeResult, error)
}

type SubtitleService interface {
	Execute(ctx context.Context, req usecase.SubtitleRequest) (domain.SubtitleSelection, error)
	Sidecars(contentID string) ([]domain.SubtitleEntry, error)
	ExternalVTT(ctx context.Context, fileID string) ([]byte, error)
	SidecarVTT(ctx context.Context, contentID string, fileIndex int) ([]byte, error)
	EmbeddedVTT(ctx context.Context, contentID string, fileIndex, trackIndex int) ([]byte, error)
}

type TranscodeService interface {
	Decide(contentID string, fileIndex int, probe domain.ProbeResult, mode usecase.TranscodeMode, requestedTrack int, releaseHint string) usecase.TranscodePlan
	Current(contentID string, fileIndex int) (usecase.TranscodePlan, bool)
	Stream(ctx context.Context, contentID string, fileIndex int, plan usecase.TranscodePlan, w io.Writer) error
	Restore(contentID string, fileIndex int)
}

type FallbackService interface {
	ReportFailure(ctx context.Context, report usecase.FailureReport) (domain.FallbackDecision, error)
	ReportPlaying(ctx context.Context, key domain.PlaybackKey, sourceID string) error
	ResolveAudio(ctx context.Context, key domain.PlaybackKey, sourceID string) (domain.AudioDecision, error)
}

type Server struct {
	resolver       Resolver
	health         ProviderHealth
	sessions       ports.SessionManager
	probe          TrackProbe
	subtitles      SubtitleService
	transcode      TranscodeService
	fallback       FallbackService
	upstream       *http.Client
	allowedOrigins []string
	rateLimit      float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	// segmentKey signs playlist URIs rewritten by /watch.
	segmentKey []byte
}

type ServerOption func(*Server)

func WithProviderHealth(h ProviderHealth) ServerOption {
	return func(s *Server) {
		s.health = h
	}
}

func WithSessions(sessions ports.SessionManager) ServerOption {
	return func(s *Server) {
		s.sessions = sessions
	}
}

func WithTrackProbe(probe TrackProbe) ServerOption {
	return func(s *Server) {
		s.probe = probe
	}
}

func WithSubtitles(svc SubtitleService) ServerOption {
	return func(s *Server) {
		s.subtitles = svc
	}
}

func WithTranscode(svc TranscodeService) ServerOption {
	return func(s *Server) {
		s.transcode = svc
	}
}

func WithFallback(svc FallbackService) ServerOption {
	return func(s *Server) {
		s.fallback = svc
	}
}

// WithUpstreamClient sets the client /watch uses to reach direct origins.
func WithUpstreamClient(client *http.Client) ServerOption {
	return func(s *Server) {
		s.upstream = client
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimit = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(resolver Resolver, opts ...ServerOption) *Server {
	s := &Server{
		resolver:  resolver,
		rateLimit: 100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.upstream == nil {
		s.upstream = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	s.segmentKey = make([]byte, 32)
	_, _ = rand.Read(s.segmentKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /resolve/{titleId}", s.handleResolve)
	mux.HandleFunc("GET /ws/resolve/{titleId}", s.handleResolveWS)
	mux.HandleFunc("GET /sources/{titleId}", s.handleSources)
	mux.HandleFunc("GET /watch/{titleId}", s.handleWatch)
	mux.HandleFunc("GET /watch/{titleId}/segment", s.handleWatchSegment)
	// GET patterns also match HEAD.
	mux.HandleFunc("GET /magnet/{contentId}", s.handleMagnet)
	mux.HandleFunc("POST /preview/{contentId}", s.handlePreview)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /tracks/{contentId}", s.handleTracks)
	mux.HandleFunc("GET /subtitles", s.handleSubtitles)
	mux.HandleFunc("GET /subtitles/{contentId}", s.handleSidecarList)
	mux.HandleFunc("GET /subtitle-extract/{contentId}", s.handleSubtitleExtract)
	mux.HandleFunc("GET /subtitle-external/{fileId}", s.handleSubtitleExternal)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("POST /fallback/{titleId}", s.handleFallback)
	mux.HandleFunc("POST /fallback/{titleId}/playing", s.handleFallbackPlaying)
	mux.HandleFunc("POST /fallback/{titleId}/audio", s.handleFallbackAudio)
	mux.HandleFunc("POST /transcode/restore", s.handleTranscodeRestore)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "stream-engine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && !strings.HasPrefix(p, "/ws/")
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateLimit, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type healthResponse struct {
	Status    string                        `json:"status"`
	Providers []resolve.ProviderDiagnostics `json:"providers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.health != nil {
		resp.Providers = s.health.ProviderDiagnostics()
	}
	writeJSON(w, http.StatusOK, resp)
}
