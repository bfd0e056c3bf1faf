package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"streamengine/internal/classify"
	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/providers/common"
)

// NoSourcesMessage is sent as the terminal error event when nothing matched.
const NoSourcesMessage = "No streams found for this title"

// Resolve streams progress events for q and closes the channel after the
// terminal resolved or error event. Cancelling ctx aborts in-flight
// provider calls and closes the channel without a terminal event.
func (s *Service) Resolve(ctx context.Context, q domain.TitleQuery) <-chan domain.ResolveEvent {
	out := make(chan domain.ResolveEvent, 16)
	go func() {
		defer close(out)
		var mu sync.Mutex
		emit := func(ev domain.ResolveEvent) {
			mu.Lock()
			defer mu.Unlock()
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		result, err := s.resolve(ctx, q, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, domain.ErrNoSourcesFound) {
				emit(domain.ErrorEvent(NoSourcesMessage))
				return
			}
			emit(domain.ErrorEvent(err.Error()))
			return
		}
		emit(domain.ResolvedEvent(result))
	}()
	return out
}

// Sources is the non-streaming form of Resolve.
func (s *Service) Sources(ctx context.Context, q domain.TitleQuery) (domain.ResolveResult, error) {
	return s.resolve(ctx, q, func(domain.ResolveEvent) {})
}

func (s *Service) resolve(ctx context.Context, q domain.TitleQuery, emit func(domain.ResolveEvent)) (domain.ResolveResult, error) {
	if strings.TrimSpace(q.TitleID) == "" {
		return domain.ResolveResult{}, fmt.Errorf("%w: titleId is required", domain.ErrNotFound)
	}
	if cached, ok := s.getCached(ctx, cacheKey(q)); ok {
		emit(domain.LogEvent("using cached results"))
		return cached, nil
	}

	q = s.enrichQuery(ctx, q)

	emit(domain.LogEvent("searching providers"))
	found := s.runPass(ctx, q, s.providers, emit)
	if ctx.Err() != nil {
		return domain.ResolveResult{}, ctx.Err()
	}

	if len(found) == 0 {
		if expanded, ok := expandQuery(q); ok {
			emit(domain.LogEvent("expanding search"))
			found = s.runPass(ctx, expanded, p2pProviders(s.providers), emit)
			if ctx.Err() != nil {
				return domain.ResolveResult{}, ctx.Err()
			}
		}
	}

	emit(domain.LogEvent("matching results"))
	if len(found) == 0 {
		s.logger.Info("no sources found",
			slog.String("titleId", q.TitleID),
			slog.Int("season", q.Season),
			slog.Int("episode", q.Episode),
		)
		return domain.ResolveResult{}, domain.ErrNoSourcesFound
	}

	classify.Classify(found, nil)
	ranked := rankSources(dedupe(found), s.tieBreak, s.providerPriority)
	primary, mode := selectPrimary(ranked)
	result := domain.ResolveResult{PrimarySourceID: primary, Mode: mode, Sources: ranked}

	s.setCached(ctx, cacheKey(q), result)
	s.logger.Info("resolve completed",
		slog.String("titleId", q.TitleID),
		slog.Int("sources", len(ranked)),
		slog.String("primary", primary),
		slog.String("mode", string(mode)),
	)
	return result, nil
}

// enrichQuery fills the human title from the catalog. Lookup failures fall
// back to searching by titleId.
func (s *Service) enrichQuery(ctx context.Context, q domain.TitleQuery) domain.TitleQuery {
	if s.catalog == nil || q.Name != "" {
		return q
	}
	info, err := s.catalog.Lookup(ctx, q.TitleID, q.MediaType)
	if err != nil {
		s.logger.Warn("catalog lookup failed",
			slog.String("titleId", q.TitleID),
			slog.String("error", err.Error()),
		)
		return q
	}
	q.Name = foldTitle(info.Name)
	q.OriginalName = foldTitle(info.OriginalName)
	q.Year = info.Year
	return q
}

// expandQuery broadens q for the second pass: original title, no year and
// a season pack instead of a single episode. It reports false when the
// broadened query would search for the same thing again.
func expandQuery(q domain.TitleQuery) (domain.TitleQuery, bool) {
	if q.Expanded {
		return q, false
	}
	out := q
	out.Expanded = true
	if out.OriginalName != "" {
		out.Name = out.OriginalName
	}
	out.Year = 0
	changed := out.Name != q.Name || q.Year > 0 || q.IsEpisode()
	return out, changed
}

func p2pProviders(providers []ports.SourceProvider) []ports.SourceProvider {
	out := make([]ports.SourceProvider, 0, len(providers))
	for _, p := range providers {
		if p.Kind() == domain.ProviderP2P {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) runPass(ctx context.Context, q domain.TitleQuery, providers []ports.SourceProvider, emit func(domain.ResolveEvent)) []domain.StreamSource {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		found []domain.StreamSource
	)
	sem := semaphore.NewWeighted(int64(s.maxConcurrency))

	for _, provider := range providers {
		if provider == nil {
			continue
		}
		wg.Add(1)
		go func(provider ports.SourceProvider) {
			defer wg.Done()
			name := provider.Name()

			if blocked, until, lastErr := s.isProviderBlocked(name, s.now()); blocked {
				s.logger.Debug("provider blocked",
					slog.String("provider", name),
					slog.Time("until", until),
					slog.String("lastError", lastErr),
				)
				emit(domain.LogEvent(name + ": temporarily unavailable"))
				return
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			if err := s.waitProviderRateLimit(ctx, name); err != nil {
				return
			}

			runCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			startedAt := s.now()
			var items []domain.StreamSource
			err := common.RetryWithBackoff(runCtx, s.retry, func() error {
				var err error
				items, err = provider.Resolve(runCtx, q)
				return err
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil && runCtx.Err() != nil {
				err = fmt.Errorf("%w: %s", domain.ErrProviderTimeout, name)
			}
			s.recordProviderResult(name, q.TitleID, err, s.now().Sub(startedAt), s.now())

			if err != nil {
				if errors.Is(err, domain.ErrProviderTimeout) || isTimeoutLikeError(err) {
					s.logger.Warn("provider timed out", slog.String("provider", name))
					emit(domain.LogEvent(name + ": timed out"))
				} else {
					s.logger.Warn("provider failed",
						slog.String("provider", name),
						slog.String("error", err.Error()),
					)
					emit(domain.LogEvent(name + ": failed"))
				}
				return
			}

			emit(domain.LogEvent(fmt.Sprintf("%s: %d results", name, len(items))))
			if len(items) == 0 {
				return
			}
			for i := range items {
				if items[i].Provider == "" {
					items[i].Provider = name
				}
			}
			mu.Lock()
			found = append(found, items...)
			mu.Unlock()
		}(provider)
	}

	wg.Wait()
	return found
}

// waitProviderRateLimit blocks until the provider's limiter admits one request.
func (s *Service) waitProviderRateLimit(ctx context.Context, name string) error {
	if s.rateLimit <= 0 || s.rateLimit == rate.Inf {
		return nil
	}
	return s.limiterFor(name).Wait(ctx)
}

func foldTitle(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, raw)
	if err != nil {
		return raw
	}
	return folded
}

var _ ports.ResultStore = (*Service)(nil)
