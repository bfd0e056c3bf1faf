package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamengine/internal/classify"
	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/keylock"
	"streamengine/internal/metrics"
)

type FailureReport struct {
	Key      domain.PlaybackKey
	SourceID string
	Reason   string
}

type sourceLister interface {
	Sources(ctx context.Context, q domain.TitleQuery) (domain.ResolveResult, error)
}

// Fallback picks the next source after a playback failure. Bookkeeping is
// keyed by PlaybackKey and lives in Store, so it survives reconnects.
type Fallback struct {
	Store   ports.FallbackStore
	Results ports.ResultStore
	// Resolver refills the candidate list when the cached result expired.
	Resolver sourceLister
	Probe    trackProbe
	Logger   *slog.Logger
	Now      func() time.Time

	locks keylock.Map
}

func (uc *Fallback) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now()
}

func (uc *Fallback) logger() *slog.Logger {
	if uc.Logger == nil {
		return slog.Default()
	}
	return uc.Logger
}

func (uc *Fallback) ReportFailure(ctx context.Context, report FailureReport) (domain.FallbackDecision, error) {
	reason, err := domain.ParseFailureReason(report.Reason)
	if err != nil {
		return domain.FallbackDecision{}, invalidRequest("unknown failure reason %q", report.Reason)
	}
	if strings.TrimSpace(report.Key.TitleID) == "" {
		return domain.FallbackDecision{}, invalidRequest("titleId is required")
	}

	unlock := uc.locks.Lock(report.Key.String())
	defer unlock()

	st, err := uc.load(ctx, report.Key)
	if err != nil {
		return domain.FallbackDecision{}, err
	}
	failed := report.SourceID
	if failed == "" {
		failed = st.ActiveSourceID
	}

	// A fatal key can fail again after a manual pick; restart the cycle.
	if st.Phase == domain.FallbackFatal {
		uc.transition(&st, domain.FallbackPlaying)
	}
	uc.transition(&st, domain.FallbackFailureDetected)
	st.LastReason = reason
	st.MarkTried(failed)

	uc.transition(&st, domain.FallbackCandidateSearch)
	ranked, err := uc.candidates(ctx, report.Key)
	if err != nil && !errors.Is(err, domain.ErrNoSourcesFound) {
		return domain.FallbackDecision{}, err
	}

	next, ok := pickCandidate(ranked, st)
	if !ok {
		uc.transition(&st, domain.FallbackFatal)
		if err := uc.save(ctx, &st); err != nil {
			return domain.FallbackDecision{}, err
		}
		metrics.FallbackDecisionsTotal.WithLabelValues(string(reason), "fatal").Inc()
		uc.logger().Warn("fallback exhausted",
			slog.String("key", report.Key.String()),
			slog.String("failed", failed),
			slog.String("reason", string(reason)),
		)
		return domain.FallbackDecision{
			State:   domain.FallbackFatal,
			Message: domain.ErrNoCandidate.Error(),
		}, nil
	}

	uc.transition(&st, domain.FallbackSwitching)
	st.MarkTried(next.ID)
	st.ActiveSourceID = next.ID
	if err := uc.save(ctx, &st); err != nil {
		return domain.FallbackDecision{}, err
	}
	metrics.FallbackDecisionsTotal.WithLabelValues(string(reason), "switch").Inc()
	uc.logger().Info("fallback switching source",
		slog.String("key", report.Key.String()),
		slog.String("failed", failed),
		slog.String("next", next.ID),
		slog.String("reason", string(reason)),
	)
	return domain.FallbackDecision{
		State:    domain.FallbackSwitching,
		SourceID: next.ID,
		Source:   &next,
	}, nil
}

// ReportPlaying records the source the player is on. Manually picked
// sources are marked tried too.
func (uc *Fallback) ReportPlaying(ctx context.Context, key domain.PlaybackKey, sourceID string) error {
	if strings.TrimSpace(key.TitleID) == "" || strings.TrimSpace(sourceID) == "" {
		return invalidRequest("titleId and sourceId are required")
	}
	unlock := uc.locks.Lock(key.String())
	defer unlock()

	st, err := uc.load(ctx, key)
	if err != nil {
		return err
	}
	st.MarkTried(sourceID)
	st.ActiveSourceID = sourceID
	if st.Phase != domain.FallbackPlaying {
		uc.transition(&st, domain.FallbackPlaying)
	}
	return uc.save(ctx, &st)
}

// ResolveAudio looks for a sibling of the active source with strictly better
// audio before asking for a transcode.
func (uc *Fallback) ResolveAudio(ctx context.Context, key domain.PlaybackKey, sourceID string) (domain.AudioDecision, error) {
	if strings.TrimSpace(key.TitleID) == "" {
		return domain.AudioDecision{}, invalidRequest("titleId is required")
	}
	unlock := uc.locks.Lock(key.String())
	defer unlock()

	st, err := uc.load(ctx, key)
	if err != nil {
		return domain.AudioDecision{}, err
	}
	if sourceID == "" {
		sourceID = st.ActiveSourceID
	}
	ranked, err := uc.candidates(ctx, key)
	if err != nil {
		return domain.AudioDecision{}, err
	}
	var active domain.StreamSource
	found := false
	for _, src := range ranked {
		if src.ID == sourceID {
			active, found = src, true
			break
		}
	}
	if !found {
		return domain.AudioDecision{}, fmt.Errorf("%w: source %s", domain.ErrNotFound, sourceID)
	}
	st.MarkTried(active.ID)

	if !uc.audioRisky(ctx, active) {
		return domain.AudioDecision{SourceID: active.ID}, uc.save(ctx, &st)
	}

	activeScore := sourceAudioScore(active)
	var best *domain.StreamSource
	bestScore := activeScore
	for i := range ranked {
		cand := ranked[i]
		if cand.ID == active.ID || st.HasTried(cand.ID) || !isSibling(active, cand) {
			continue
		}
		if score := sourceAudioScore(cand); score > bestScore {
			best, bestScore = &ranked[i], score
		}
	}
	if best == nil {
		metrics.FallbackDecisionsTotal.WithLabelValues(string(domain.ReasonNoAudioTrack), "transcode").Inc()
		return domain.AudioDecision{SourceID: active.ID, Transcode: true}, uc.save(ctx, &st)
	}

	st.MarkTried(best.ID)
	st.ActiveSourceID = best.ID
	if err := uc.save(ctx, &st); err != nil {
		return domain.AudioDecision{}, err
	}
	metrics.FallbackDecisionsTotal.WithLabelValues(string(domain.ReasonNoAudioTrack), "sibling").Inc()
	src := *best
	return domain.AudioDecision{SourceID: src.ID, Source: &src}, nil
}

// State returns the stored bookkeeping of key.
func (uc *Fallback) State(ctx context.Context, key domain.PlaybackKey) (domain.FallbackState, error) {
	return uc.load(ctx, key)
}

func (uc *Fallback) audioRisky(ctx context.Context, src domain.StreamSource) bool {
	if uc.Probe != nil && src.ContentID != "" && src.FileIndex != nil {
		if probe, err := uc.Probe.Execute(ctx, src.ContentID, *src.FileIndex); err == nil && !probe.Partial {
			if track, ok := probe.DefaultAudio(); ok {
				return classify.RiskyAudioCodec(track.Codec)
			}
		}
	}
	return sourceAudioScore(src) < 0
}

func sourceAudioScore(src domain.StreamSource) int {
	if src.AudioCodec != "" {
		return classify.AudioScore(src.AudioCodec)
	}
	return classify.AudioScore(src.Filename + " " + src.Info)
}

func isSibling(a, b domain.StreamSource) bool {
	if a.ContentID != "" && strings.EqualFold(a.ContentID, b.ContentID) {
		return true
	}
	return a.Quality != "" && strings.EqualFold(a.Quality, b.Quality)
}

// pickCandidate prefers a non-risky untried source, then the fast-path
// source, then the next ranked one.
func pickCandidate(ranked []domain.StreamSource, st domain.FallbackState) (domain.StreamSource, bool) {
	var untried []domain.StreamSource
	for _, src := range ranked {
		if !st.HasTried(src.ID) {
			untried = append(untried, src)
		}
	}
	if len(untried) == 0 {
		return domain.StreamSource{}, false
	}
	for _, src := range untried {
		if !src.Risky {
			return src, true
		}
	}
	for _, src := range untried {
		if src.FastPath {
			return src, true
		}
	}
	return untried[0], true
}

func (uc *Fallback) candidates(ctx context.Context, key domain.PlaybackKey) ([]domain.StreamSource, error) {
	if uc.Results != nil {
		if res, ok := uc.Results.LastResult(ctx, key); ok {
			return res.Sources, nil
		}
	}
	if uc.Resolver == nil {
		return nil, nil
	}
	res, err := uc.Resolver.Sources(ctx, key.Query())
	if err != nil {
		return nil, err
	}
	return res.Sources, nil
}

func (uc *Fallback) load(ctx context.Context, key domain.PlaybackKey) (domain.FallbackState, error) {
	if uc.Store == nil {
		return domain.FallbackState{}, errors.New("fallback store not configured")
	}
	st, err := uc.Store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.FallbackState{Key: key, Phase: domain.FallbackPlaying, Tried: []string{}}, nil
	}
	if err != nil {
		return domain.FallbackState{}, wrapRepo(err)
	}
	if st.Phase == "" {
		st.Phase = domain.FallbackPlaying
	}
	st.Key = key
	return st, nil
}

func (uc *Fallback) save(ctx context.Context, st *domain.FallbackState) error {
	st.UpdatedAt = uc.now()
	return wrapRepo(uc.Store.Save(ctx, *st))
}

func (uc *Fallback) transition(st *domain.FallbackState, to domain.FallbackPhase) {
	if !domain.CanTransitionFallback(st.Phase, to) {
		uc.logger().Warn("unexpected fallback transition",
			slog.String("key", st.Key.String()),
			slog.String("from", string(st.Phase)),
			slog.String("to", string(to)),
		)
	}
	st.Phase = to
}
