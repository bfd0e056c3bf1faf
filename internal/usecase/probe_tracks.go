package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/metrics"
)

const (
	defaultProbeTimeout = 20 * time.Second
	// ffprobe reads at most this many bytes from the head of the file.
	probeWindowBytes int64 = 64 << 20
)

type TrackProber interface {
	ProbeReader(ctx context.Context, reader io.Reader) (domain.ProbeResult, error)
}

// ProbeTracks probes each (contentId, fileIndex) once and caches the full
// result until the owning session closes.
type ProbeTracks struct {
	Sessions ports.SessionManager
	Prober   TrackProber
	Timeout  time.Duration
	Logger   *slog.Logger

	mu    sync.RWMutex
	cache map[domain.ProbeKey]domain.ProbeResult
	group singleflight.Group
}

func NewProbeTracks(sessions ports.SessionManager, prober TrackProber, timeout time.Duration, logger *slog.Logger) *ProbeTracks {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	uc := &ProbeTracks{
		Sessions: sessions,
		Prober:   prober,
		Timeout:  timeout,
		Logger:   logger,
		cache:    make(map[domain.ProbeKey]domain.ProbeResult),
	}
	if sessions != nil {
		sessions.OnClose(uc.Forget)
	}
	return uc
}

func (uc *ProbeTracks) Execute(ctx context.Context, contentID string, fileIndex int) (domain.ProbeResult, error) {
	if uc.Sessions == nil || uc.Prober == nil {
		return domain.ProbeResult{}, errors.New("prober not configured")
	}
	if fileIndex < 0 {
		return domain.ProbeResult{}, domain.ErrInvalidFileIndex
	}
	key := domain.ProbeKey{ContentID: domain.NormalizeContentID(contentID), FileIndex: fileIndex}
	if res, ok := uc.Cached(key); ok {
		return res, nil
	}

	ch := uc.group.DoChan(key.String(), func() (interface{}, error) {
		return uc.probe(ctx, key)
	})
	select {
	case <-ctx.Done():
		return domain.ProbeResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return domain.ProbeResult{}, r.Err
		}
		return r.Val.(domain.ProbeResult), nil
	}
}

// Cached returns a complete probe result if one is stored.
func (uc *ProbeTracks) Cached(key domain.ProbeKey) (domain.ProbeResult, bool) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	res, ok := uc.cache[key]
	return res, ok
}

// Forget drops every cached result of a content id.
func (uc *ProbeTracks) Forget(contentID string) {
	contentID = domain.NormalizeContentID(contentID)
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for key := range uc.cache {
		if key.ContentID == contentID {
			delete(uc.cache, key)
		}
	}
}

// probe runs detached from the caller so one cancelled request does not fail
// the other waiters of the same key.
func (uc *ProbeTracks) probe(ctx context.Context, key domain.ProbeKey) (domain.ProbeResult, error) {
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.Timeout)
	defer cancel()

	start := time.Now()
	reader, err := uc.Sessions.ReadRange(probeCtx, key.ContentID, key.FileIndex, 0, probeWindowBytes)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidFileIndex) {
			return domain.ProbeResult{}, err
		}
		return uc.partial(key, err), nil
	}
	defer reader.Close()

	res, err := uc.Prober.ProbeReader(probeCtx, reader)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return uc.partial(key, err), nil
	}
	if res.Partial {
		metrics.ProbePartialTotal.Inc()
		uc.Logger.Info("probe returned partial result",
			slog.String("contentId", key.ContentID),
			slog.Int("fileIndex", key.FileIndex),
		)
		return res, nil
	}

	uc.mu.Lock()
	uc.cache[key] = res
	uc.mu.Unlock()
	uc.Logger.Debug("probe complete",
		slog.String("contentId", key.ContentID),
		slog.Int("fileIndex", key.FileIndex),
		slog.Int("audioTracks", len(res.AudioTracks)),
		slog.Int("subtitleTracks", len(res.SubtitleTracks)),
	)
	return res, nil
}

func (uc *ProbeTracks) partial(key domain.ProbeKey, cause error) domain.ProbeResult {
	metrics.ProbePartialTotal.Inc()
	uc.Logger.Warn("probe failed, returning partial result",
		slog.String("contentId", key.ContentID),
		slog.Int("fileIndex", key.FileIndex),
		slog.String("error", cause.Error()),
	)
	return domain.ProbeResult{
		AudioTracks:    []domain.AudioTrack{},
		SubtitleTracks: []domain.SubtitleTrack{},
		Partial:        true,
	}
}
